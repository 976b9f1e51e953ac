// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadSignature = errors.New("invalid upload signature")
	ErrURLExpired   = errors.New("upload URL expired")
)

// BackupSigner mints and checks expiring upload URLs for device backups.
type BackupSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewBackupSigner(secret string, ttl time.Duration) *BackupSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &BackupSigner{secret: []byte(secret), ttl: ttl}
}

func (s *BackupSigner) signature(device, name string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", device, name, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedURL returns the upload URL below baseURL and its expiry.
func (s *BackupSigner) SignedURL(baseURL, device, name string, now time.Time) (string, time.Time) {
	expires := now.Add(s.ttl).Truncate(time.Second)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	q.Set("sig", s.signature(device, name, expires.Unix()))
	u := fmt.Sprintf("%s/v1/backups/blobs/%s/%s?%s",
		strings.TrimRight(baseURL, "/"), url.PathEscape(device), url.PathEscape(name), q.Encode())
	return u, expires
}

// Verify checks the query parameters of an upload request.
func (s *BackupSigner) Verify(device, name string, query url.Values, now time.Time) error {
	expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	want := s.signature(device, name, expires)
	if !hmac.Equal([]byte(want), []byte(query.Get("sig"))) {
		return ErrBadSignature
	}
	if now.Unix() > expires {
		return ErrURLExpired
	}
	return nil
}

// BlobSink stores uploaded backup archives.
type BlobSink interface {
	Store(ctx context.Context, device, name string, body io.Reader) (int64, error)
}

// DirSink writes blobs to Root/<device>/<name>.
type DirSink struct {
	Root string
}

func (d DirSink) Store(_ context.Context, device, name string, body io.Reader) (int64, error) {
	if err := validBlobName(device); err != nil {
		return 0, err
	}
	if err := validBlobName(name); err != nil {
		return 0, err
	}
	dir := filepath.Join(d.Root, device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return 0, fmt.Errorf("failed to publish blob: %w", err)
	}
	return n, nil
}

func validBlobName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid blob name %q", s)
	}
	return nil
}
