package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const numS3Retries = 3

var errS3KeyNotFound = errors.New("key not found in s3 bucket")

// S3API is the subset of the S3 client used by S3.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3 keeps one JSON object per record at <prefix>/<fingerprint>/<id>.json. The
// object key is the storage key.
type S3 struct {
	client    S3API
	bucket    string
	prefix    string
	logger    log.Logger
	retryWait time.Duration
}

// NewS3 creates an S3 storage. Static credentials are used when both the access
// key and the secret are given, otherwise the default AWS credential chain.
func NewS3(ctx context.Context, params S3Params, logger log.Logger) (*S3, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return NewS3WithClient(s3.NewFromConfig(*cfg), params.Bucket, params.Prefix, logger), nil
}

// NewS3WithClient creates an S3 storage with a preconfigured client.
func NewS3WithClient(client S3API, bucket, prefix string, logger log.Logger) *S3 {
	return &S3{
		client:    client,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		logger:    logger,
		retryWait: 5 * time.Second,
	}
}

func (s *S3) FindAllUploads(ctx context.Context) ([]PreviousUpload, error) {
	return s.findUnder(ctx, s.dir(""))
}

func (s *S3) FindUploadsByFingerprint(ctx context.Context, fingerprint string) ([]PreviousUpload, error) {
	if fingerprint == "" {
		return nil, nil
	}
	return s.findUnder(ctx, s.dir(fingerprint))
}

func (s *S3) AddUpload(ctx context.Context, fingerprint string, upload PreviousUpload) (string, error) {
	if fingerprint == "" {
		return "", fmt.Errorf("fingerprint must not be empty")
	}

	upload = cloneUpload(upload)
	upload.Fingerprint = fingerprint
	upload.StorageKey = ""

	data, err := json.Marshal(upload)
	if err != nil {
		return "", fmt.Errorf("marshal upload: %w", err)
	}

	key := s.dir(fingerprint) + uuid.NewString() + ".json"
	err = retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentType:   aws.String("application/json"),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			s.logger.Debugf("put object %s (attempt %d): %s", key, attempt, err)
			return fmt.Errorf("put object: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return "", err
	}

	return key, nil
}

func (s *S3) RemoveUpload(ctx context.Context, key string) error {
	return retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return nil, true
			}
			s.logger.Debugf("delete object %s (attempt %d): %s", key, attempt, err)
			return fmt.Errorf("delete object: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
}

// dir returns the key prefix for a fingerprint, or for every record when
// fingerprint is empty.
func (s *S3) dir(fingerprint string) string {
	p := path.Join(s.prefix, fingerprint)
	if p == "" || p == "." {
		return ""
	}
	return p + "/"
}

func (s *S3) findUnder(ctx context.Context, prefix string) ([]PreviousUpload, error) {
	keys, err := s.listKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var found []PreviousUpload
	for _, key := range keys {
		upload, err := s.getUpload(ctx, key)
		if err != nil {
			if errors.Is(err, errS3KeyNotFound) {
				s.logger.Debugf("record %s disappeared while listing", key)
				continue
			}
			return nil, err
		}
		upload.StorageKey = key
		found = append(found, upload)
	}
	sortNewestFirst(found)

	return found, nil
}

func (s *S3) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		keys = nil
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				s.logger.Debugf("list objects under %q (attempt %d): %s", prefix, attempt, err)
				return fmt.Errorf("list objects: %w", err), ctx.Err() != nil
			}
			for _, obj := range page.Contents {
				if obj.Key == nil || !strings.HasSuffix(*obj.Key, ".json") {
					continue
				}
				keys = append(keys, *obj.Key)
			}
		}
		return nil, true
	})

	return keys, err
}

func (s *S3) getUpload(ctx context.Context, key string) (PreviousUpload, error) {
	var upload PreviousUpload
	err := retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return errS3KeyNotFound, true
			}
			return fmt.Errorf("get object: %w", err), ctx.Err() != nil
		}
		defer result.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(result.Body)
		if err != nil {
			return fmt.Errorf("read object content: %w", err), false
		}
		if err := json.Unmarshal(body, &upload); err != nil {
			return fmt.Errorf("parse object %s: %w", key, err), true
		}
		return nil, true
	})

	return upload, err
}

func isNotFound(err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}

	switch apiError.(type) {
	case *types.NotFound, *types.NoSuchKey:
		return true
	default:
		code := apiError.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
