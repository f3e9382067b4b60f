// Package blobstore implements the binary-artifact store contract of
// spec.md §6.4: private objects, 50 MiB maximum, paths organized as
// /<identifier>/annual-reports/<year>/<filename>. The core only consumes
// this contract (the report's binary artifact is stored here, referenced
// by path from a cachestore Report Entry). This is grounded on
// cache-manager/cache.go's general thread-safety idiom applied to a
// filesystem-backed implementation, the simplest substrate that
// satisfies the contract without reaching for an unavailable cloud SDK.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"encore.app/apperr"
)

const MaxObjectBytes = 50 * 1024 * 1024

var allowedExtensions = map[string]bool{
	".zip": true,
	".xml": true,
	".pdf": true,
}

var filenamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Store is the binary-artifact contract Report Entries reference.
type Store interface {
	// Put writes an object at /<identifier>/annual-reports/<year>/<filename>,
	// rejecting anything over MaxObjectBytes or with a disallowed extension.
	Put(ctx context.Context, identifier string, year int, filename string, data io.Reader) (path string, err error)
	// Get opens the object at path for reading.
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// FSStore is a filesystem-backed Store, suitable for local development and
// tests; a production deployment would swap this for a private object
// store behind the same interface without touching Query Service.
type FSStore struct {
	root string
}

// NewFSStore roots the store at dir, creating it if necessary.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob store root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

func objectPath(identifier string, year int, filename string) (string, error) {
	if !filenamePattern.MatchString(filename) {
		return "", apperr.New(apperr.KindValidation, "invalid artifact filename")
	}
	ext := filepath.Ext(filename)
	if !allowedExtensions[ext] {
		return "", apperr.New(apperr.KindValidation, "unsupported artifact type: "+ext)
	}
	return filepath.Join(identifier, "annual-reports", strconv.Itoa(year), filename), nil
}

// Put implements Store.
func (s *FSStore) Put(ctx context.Context, identifier string, year int, filename string, data io.Reader) (string, error) {
	relPath, err := objectPath(identifier, year, filename)
	if err != nil {
		return "", err
	}

	fullPath := filepath.Join(s.root, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(data, MaxObjectBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if n > MaxObjectBytes {
		os.Remove(fullPath)
		return "", apperr.New(apperr.KindValidation, "artifact exceeds 50 MiB limit")
	}

	return relPath, nil
}

// Get implements Store.
func (s *FSStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return nil, apperr.New(apperr.KindValidation, "invalid artifact path")
	}
	f, err := os.Open(filepath.Join(s.root, cleaned))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.KindNotFound, "artifact not found")
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, nil
}
