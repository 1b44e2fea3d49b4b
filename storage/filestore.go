package storage

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore implements BlobStore on the local filesystem.
// Blobs are stored at: {baseDir}/{hex(d[:1])}/{hex(d)}
// The first byte (2 hex chars) is used as a subdirectory for sharding.
//
// FileStore does no locking of its own: writes go through a temp file and a
// rename so readers never observe a half-written blob, and ContentStore
// serializes mutations per digest.
type FileStore struct {
	baseDir string
}

// Compile-time interface check.
var _ BlobStore = (*FileStore)(nil)

// NewFileStore creates a new file-based blob store.
// The directory is created if it does not exist.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, ErrInvalidBaseDir
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	return &FileStore{
		baseDir: baseDir,
	}, nil
}

// DigestToPath converts a digest to its filesystem path.
// Uses first byte as subdirectory for sharding: {base}/{ab}/{abcdef...}
func DigestToPath(baseDir string, d Digest) string {
	hexHash := d.String()
	return filepath.Join(baseDir, hexHash[:2], hexHash)
}

// BaseDir returns the root directory of the store.
func (fs *FileStore) BaseDir() string { return fs.baseDir }

func (fs *FileStore) shardDir(d Digest) string {
	return filepath.Join(fs.baseDir, d.String()[:2])
}

// Put stores data under d. Existing bytes are replaced atomically.
func (fs *FileStore) Put(d Digest, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyContent
	}

	shard := fs.shardDir(d)
	if err := os.MkdirAll(shard, 0700); err != nil {
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	tmp, err := os.CreateTemp(shard, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	if err := os.Rename(tmpName, DigestToPath(fs.baseDir, d)); err != nil {
		cleanup()
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return nil
}

// Get retrieves the bytes stored under d.
func (fs *FileStore) Get(d Digest) ([]byte, error) {
	data, err := os.ReadFile(DigestToPath(fs.baseDir, d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return data, nil
}

// Has checks if bytes exist for d.
func (fs *FileStore) Has(d Digest) (bool, error) {
	_, err := os.Stat(DigestToPath(fs.baseDir, d))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return true, nil
}

// Delete removes the bytes stored under d.
func (fs *FileStore) Delete(d Digest) error {
	err := os.Remove(DigestToPath(fs.baseDir, d))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return nil
}

// Size returns the size in bytes stored under d.
func (fs *FileStore) Size(d Digest) (int64, error) {
	info, err := os.Stat(DigestToPath(fs.baseDir, d))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return info.Size(), nil
}

// List returns all stored digests by scanning the shard directories.
func (fs *FileStore) List() ([]Digest, error) {
	var result []Digest

	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		shardName := entry.Name()
		// Shard directories are 2-character hex strings
		if len(shardName) != 2 {
			continue
		}

		files, err := os.ReadDir(filepath.Join(fs.baseDir, shardName))
		if err != nil {
			continue
		}

		for _, f := range files {
			if f.IsDir() {
				continue
			}
			raw, err := hex.DecodeString(f.Name())
			if err != nil {
				continue // skip temp files and other junk
			}
			d, err := DigestFromBytes(raw)
			if err != nil {
				continue
			}
			result = append(result, d)
		}
	}

	return result, nil
}
