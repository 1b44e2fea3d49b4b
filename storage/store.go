package storage

// BlobStore holds the physical bytes of blobs, addressed by digest.
// It knows nothing about reference counts or encodings; ContentStore layers
// those on top.
type BlobStore interface {
	// Put stores data under d, replacing any existing bytes.
	Put(d Digest, data []byte) error

	// Get retrieves the bytes stored under d.
	Get(d Digest) ([]byte, error)

	// Has checks if bytes exist for d.
	Has(d Digest) (bool, error)

	// Delete removes the bytes stored under d.
	Delete(d Digest) error

	// Size returns the size in bytes stored under d.
	Size(d Digest) (int64, error)

	// List returns all stored digests (for verification and export).
	List() ([]Digest, error)
}
