package s3blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/copyrig/copyrig/internal/domain"
)

const (
	segmentPrefix = "mappings-"
	segmentSuffix = ".log"
	segmentStamp  = "20060102T150405"

	// keyPrefix roots every archived segment key in the bucket.
	keyPrefix = "mappings/"
)

// segmentStore is the slice of the blob layer the archiver needs: uploads
// for the sweep, reads for the operator inspect/restore surface.
type segmentStore interface {
	domain.BlobWriter
	domain.BlobReader
	Delete(ctx context.Context, path string) error
}

// blobRW composes the writer and reader into one segmentStore.
type blobRW struct {
	*Writer
	*Reader
}

// Archiver ships rotated mapping-log segments to object storage and prunes
// local copies past the retention window. The active segment is never
// touched; only rotated mappings-<timestamp>.log files are candidates.
type Archiver struct {
	dir       string
	store     segmentStore
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver over the mapping-log directory.
// retentionDays <= 0 disables local pruning.
func NewArchiver(dir string, client *Client, retentionDays int, logger *slog.Logger) *Archiver {
	var retention time.Duration
	if retentionDays > 0 {
		retention = time.Duration(retentionDays) * 24 * time.Hour
	}
	return &Archiver{
		dir:       dir,
		store:     blobRW{NewWriter(client), NewReader(client)},
		retention: retention,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// Run performs one archive sweep: upload every rotated segment that is not
// already in the bucket, then prune local segments older than the retention
// window. Uploads are idempotent, so a sweep interrupted mid-way is safe to
// repeat.
func (a *Archiver) Run(ctx context.Context) (uploaded, pruned int, err error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("s3blob: read segment dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isSegment(entry.Name()) {
			continue
		}

		stamp, ok := segmentTime(entry.Name())
		if !ok {
			a.logger.WarnContext(ctx, "skipping unparseable segment name", slog.String("segment", entry.Name()))
			continue
		}

		key := segmentKey(entry.Name(), stamp)

		exists, err := a.store.Exists(ctx, key)
		if err != nil {
			return uploaded, pruned, fmt.Errorf("s3blob: check %s: %w", key, err)
		}
		if !exists {
			if err := a.upload(ctx, entry.Name(), key); err != nil {
				return uploaded, pruned, err
			}
			uploaded++
		}

		if a.retention > 0 && a.now().Sub(stamp) > a.retention {
			if err := os.Remove(filepath.Join(a.dir, entry.Name())); err != nil {
				a.logger.WarnContext(ctx, "prune failed",
					slog.String("segment", entry.Name()),
					slog.String("error", err.Error()),
				)
				continue
			}
			pruned++
		}
	}

	if uploaded > 0 || pruned > 0 {
		a.logger.InfoContext(ctx, "archive sweep complete",
			slog.Int("uploaded", uploaded),
			slog.Int("pruned", pruned),
		)
	}
	return uploaded, pruned, nil
}

// ListArchived returns metadata for every archived segment in the bucket.
func (a *Archiver) ListArchived(ctx context.Context) ([]domain.BlobInfo, error) {
	infos, err := a.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("s3blob: list archived segments: %w", err)
	}
	return infos, nil
}

// Fetch opens one archived segment for reading. The caller closes the
// returned body. Keys outside the archive prefix are rejected.
func (a *Archiver) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	if !strings.HasPrefix(key, keyPrefix) {
		return nil, fmt.Errorf("s3blob: key %q outside archive prefix: %w", key, domain.ErrValidation)
	}
	return a.store.Get(ctx, key)
}

// Remove deletes one archived segment from the bucket. Keys outside the
// archive prefix are rejected.
func (a *Archiver) Remove(ctx context.Context, key string) error {
	if !strings.HasPrefix(key, keyPrefix) {
		return fmt.Errorf("s3blob: key %q outside archive prefix: %w", key, domain.ErrValidation)
	}
	if err := a.store.Delete(ctx, key); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "archived segment removed", slog.String("key", key))
	return nil
}

func (a *Archiver) upload(ctx context.Context, name, key string) error {
	f, err := os.Open(filepath.Join(a.dir, name))
	if err != nil {
		return fmt.Errorf("s3blob: open segment %s: %w", name, err)
	}
	defer f.Close()

	if err := a.store.Put(ctx, key, f, "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: upload segment %s: %w", name, err)
	}

	a.logger.InfoContext(ctx, "segment archived",
		slog.String("segment", name),
		slog.String("key", key),
	)
	return nil
}

func isSegment(name string) bool {
	return strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix)
}

// segmentTime parses the rotation timestamp out of mappings-<stamp>.log.
func segmentTime(name string) (time.Time, bool) {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	t, err := time.Parse(segmentStamp, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// segmentKey groups archived segments by rotation date:
// mappings/2026/08/26/mappings-20260826T031500.log.
func segmentKey(name string, stamp time.Time) string {
	return fmt.Sprintf("%s%04d/%02d/%02d/%s", keyPrefix, stamp.Year(), stamp.Month(), stamp.Day(), name)
}
