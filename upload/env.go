package upload

import (
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-tus/storage"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Environment variables read by ConfigFromEnv.
const (
	EndpointEnvKey          = "TUS_ENDPOINT"
	ChunkSizeEnvKey         = "TUS_CHUNK_SIZE"
	ParallelUploadsEnvKey   = "TUS_PARALLEL_UPLOADS"
	RetryDelaysEnvKey       = "TUS_RETRY_DELAYS"
	ChecksumAlgorithmEnvKey = "TUS_CHECKSUM_ALGORITHM"
	HungThresholdEnvKey     = "TUS_HUNG_THRESHOLD"
	AuthTokenEnvKey         = "TUS_AUTH_TOKEN"
	URLStoragePathEnvKey    = "TUS_URL_STORAGE_PATH"
)

// ConfigFromEnv builds a Config from the TUS_* environment variables.
// TUS_CHUNK_SIZE accepts sizes like "5MB", TUS_RETRY_DELAYS a comma separated
// list of durations.
func ConfigFromEnv(envRepo env.Repository, logger log.Logger) (Config, error) {
	if logger == nil {
		logger = log.NewLogger()
	}

	endpoint := strings.TrimSpace(envRepo.Get(EndpointEnvKey))
	if endpoint == "" {
		return Config{}, configError("%s is not set", EndpointEnvKey)
	}

	cfg := DefaultConfig(endpoint)
	cfg.Logger = logger

	if value := strings.TrimSpace(envRepo.Get(ChunkSizeEnvKey)); value != "" {
		size, err := units.RAMInBytes(value)
		if err != nil {
			return Config{}, configError("invalid %s %q: %s", ChunkSizeEnvKey, value, err)
		}
		if size <= 0 {
			return Config{}, configError("invalid %s %q: must be positive", ChunkSizeEnvKey, value)
		}
		cfg.ChunkSize = size
	}

	if value := strings.TrimSpace(envRepo.Get(ParallelUploadsEnvKey)); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return Config{}, configError("invalid %s %q: must be a positive number", ParallelUploadsEnvKey, value)
		}
		cfg.ParallelUploads = n
	}

	if value := strings.TrimSpace(envRepo.Get(RetryDelaysEnvKey)); value != "" {
		delays, err := parseDelays(value)
		if err != nil {
			return Config{}, configError("invalid %s %q: %s", RetryDelaysEnvKey, value, err)
		}
		cfg.RetryPolicy = DelayPolicy{Delays: delays}
	}

	if value := strings.TrimSpace(envRepo.Get(HungThresholdEnvKey)); value != "" {
		threshold, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, configError("invalid %s %q: %s", HungThresholdEnvKey, value, err)
		}
		cfg.HungThreshold = threshold
	}

	cfg.ChecksumAlgorithm = strings.TrimSpace(envRepo.Get(ChecksumAlgorithmEnvKey))

	if token := strings.TrimSpace(envRepo.Get(AuthTokenEnvKey)); token != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + token}
	}

	if path := strings.TrimSpace(envRepo.Get(URLStoragePathEnvKey)); path != "" {
		fileStorage, err := storage.NewFile(path, logger)
		if err != nil {
			return Config{}, configError("%s: %s", URLStoragePathEnvKey, err)
		}
		cfg.Storage = fileStorage
	}

	return cfg, nil
}

func parseDelays(value string) ([]time.Duration, error) {
	var delays []time.Duration
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		delays = append(delays, d)
	}
	return delays, nil
}
