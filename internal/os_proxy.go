package internal

import (
	"os"
)

// OsProxy defines the subset of os package functions the file backed stores use,
// so tests can inject failures.
type OsProxy interface {
	ReadFile(name string) ([]byte, error)
	CreateTemp(dir, pattern string) (*os.File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
	MkdirAll(path string, perm os.FileMode) error
	Chmod(name string, mode os.FileMode) error
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) ReadFile(name string) ([]byte, error)             { return os.ReadFile(name) }           //nolint:revive
func (RealOS) CreateTemp(dir, pattern string) (*os.File, error) { return os.CreateTemp(dir, pattern) } //nolint:revive
func (RealOS) Rename(oldpath, newpath string) error             { return os.Rename(oldpath, newpath) } //nolint:revive
func (RealOS) Remove(name string) error                         { return os.Remove(name) }             //nolint:revive
func (RealOS) MkdirAll(path string, perm os.FileMode) error     { return os.MkdirAll(path, perm) }     //nolint:revive
func (RealOS) Chmod(name string, mode os.FileMode) error        { return os.Chmod(name, mode) }        //nolint:revive
