package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// BlobStore keeps uploaded content on a filesystem, addressed only by file
// id so user supplied names never become paths.
type BlobStore struct {
	fs   afero.Fs
	root string
}

func NewBlobStore(fs afero.Fs, root string) *BlobStore {
	return &BlobStore{fs: fs, root: root}
}

// NewOsBlobStore stores content under root on the local disk.
func NewOsBlobStore(root string) (*BlobStore, error) {
	if root == "" {
		return nil, errors.New("upload directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve upload directory")
	}
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(abs, 0o750); err != nil {
		return nil, errors.Wrap(err, "failed to create upload directory")
	}
	return NewBlobStore(fs, abs), nil
}

func (b *BlobStore) path(fileID uint) string {
	return filepath.Join(b.root, fmt.Sprintf("%02x", fileID%256), strconv.FormatUint(uint64(fileID), 10))
}

// Save writes r under fileID and returns the size and hex SHA-256 of what
// was written. Content beyond limit bytes is rejected and nothing is kept.
func (b *BlobStore) Save(fileID uint, r io.Reader, limit int64) (int64, string, error) {
	p := b.path(fileID)
	if err := b.fs.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return 0, "", errors.Wrap(err, "failed to create content directory")
	}

	f, err := b.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, "", errors.Wrap(err, "failed to create content file")
	}

	hash := sha256.New()
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(io.MultiWriter(f, hash), src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && limit > 0 && n > limit {
		err = invalidField("file", "the file is too large")
	}
	if err != nil {
		_ = b.fs.Remove(p)
		return 0, "", wrapServiceError(err, "failed to write content")
	}

	return n, hex.EncodeToString(hash.Sum(nil)), nil
}

func (b *BlobStore) Open(fileID uint) (afero.File, error) {
	f, err := b.fs.Open(b.path(fileID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open content")
	}
	return f, nil
}

// Remove deletes the content of fileID. Missing content is not an error.
func (b *BlobStore) Remove(fileID uint) error {
	err := b.fs.Remove(b.path(fileID))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove content")
	}
	return nil
}
