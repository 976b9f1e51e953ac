// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package maintenance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/mobiletoly/go-possync/posapi"
)

// BackupUploader obtains signed upload targets and sends blobs to them.
type BackupUploader interface {
	RequestBackupURL(ctx context.Context, req posapi.BackupURLRequest) (*posapi.UploadURLResponse, error)
	UploadBackup(ctx context.Context, target *posapi.UploadURLResponse, body io.Reader, size int64) error
}

// BackupTask uploads a compressed snapshot of the local database when the
// last successful upload is older than Threshold.
type BackupTask struct {
	Uploader  BackupUploader
	Threshold time.Duration
	TempDir   string // defaults to os.TempDir()
	Now       func() time.Time
	Logger    *slog.Logger
}

func (t *BackupTask) Name() string { return "backup" }

// Run performs the backup. The last-backup timestamp moves only after the
// upload is confirmed, so a failed run is retried on the next tick.
func (t *BackupTask) Run(ctx context.Context, s *Session) error {
	now := t.now()
	last, err := s.State.LastBackup()
	if err != nil {
		return fmt.Errorf("failed to read last backup time: %w", err)
	}
	if !last.IsZero() && now.Sub(last) < t.Threshold {
		t.logger().Debug("backup not due", "last", last, "threshold", t.Threshold)
		return nil
	}

	install, err := s.State.DeviceID()
	if err != nil {
		return fmt.Errorf("failed to read install id: %w", err)
	}

	dir, err := os.MkdirTemp(t.TempDir, "posbackup-")
	if err != nil {
		return fmt.Errorf("failed to create backup work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "pos.db")
	if err := s.Store.Snapshot(ctx, snapshot); err != nil {
		return err
	}
	archive := snapshot + ".gz"
	size, err := compressFile(snapshot, archive)
	if err != nil {
		return err
	}

	// The backend files the archive under the device of the bearer token.
	name := fmt.Sprintf("pos-%s-%s.db.gz", install, now.UTC().Format("20060102T150405Z"))
	target, err := t.Uploader.RequestBackupURL(ctx, posapi.BackupURLRequest{Name: name, Size: size})
	if err != nil {
		return err
	}

	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open backup archive: %w", err)
	}
	defer f.Close()
	if err := t.Uploader.UploadBackup(ctx, target, f, size); err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}

	if err := s.State.SetLastBackup(now); err != nil {
		return fmt.Errorf("failed to record backup time: %w", err)
	}
	t.logger().Info("backup uploaded", "name", name, "bytes", size)
	return nil
}

func compressFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create backup archive: %w", err)
	}
	defer out.Close()

	zw, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		return 0, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		return 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish backup archive: %w", err)
	}
	info, err := out.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat backup archive: %w", err)
	}
	return info.Size(), nil
}

func (t *BackupTask) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *BackupTask) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
