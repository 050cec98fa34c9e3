package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PostHog/dedupd/pkg/log"
	"github.com/PostHog/dedupd/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Importer restores the newest usable checkpoint for a partition into a
// fresh local store directory.
type Importer interface {
	Import(ctx context.Context, part types.Partition, destDir string) (*Metadata, error)
}

// S3Importer restores from object storage by candidate-walk: list
// metadata.json candidates newest-first, skip anything outside the import
// window, and try up to AttemptDepth of them before giving up.
type S3Importer struct {
	Store ObjectStore

	// Window bounds how old a candidate attempt may be; zero means no bound.
	Window time.Duration
	// AttemptDepth is how many candidates to try before returning
	// ErrImportExhausted. Zero means 1.
	AttemptDepth int
}

func (imp *S3Importer) depth() int {
	if imp.AttemptDepth <= 0 {
		return 1
	}
	return imp.AttemptDepth
}

// Import lists every metadata.json under the partition's prefix, drops those
// older than the import window, orders the rest from newest to oldest
// attempt timestamp, and tries each in turn:
// unparsable metadata or a missing/unreachable data file moves on to the
// next-older candidate rather than failing the whole import.
func (imp *S3Importer) Import(ctx context.Context, part types.Partition, destDir string) (*Metadata, error) {
	start := time.Now()
	meta, err := imp.doImport(ctx, part, destDir)
	importDuration.Observe(time.Since(start).Seconds())

	result := "success"
	switch {
	case err == nil:
	case err == ErrNoCandidates:
		result = "no_candidates"
	case err == ErrImportExhausted:
		result = "exhausted"
	default:
		result = "error"
	}
	importAttemptsTotal.WithLabelValues(result).Inc()
	return meta, err
}

func (imp *S3Importer) doImport(ctx context.Context, part types.Partition, destDir string) (*Metadata, error) {
	objs, err := imp.Store.ListObjectsV2(ctx, RemoteListPrefix(part))
	if err != nil {
		return nil, fmt.Errorf("list checkpoint candidates: %w", err)
	}

	cutoff := int64(0)
	if imp.Window > 0 {
		cutoff = nowMicros() - imp.Window.Microseconds()
	}

	var candidates []string
	for _, o := range objs {
		if !strings.HasSuffix(o.Key, "/metadata.json") {
			continue
		}
		// The attempt timestamp is the metadata key's parent directory.
		if ts, err := strconv.ParseInt(path.Base(path.Dir(o.Key)), 10, 64); err == nil && ts < cutoff {
			continue
		}
		candidates = append(candidates, o.Key)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	sort.Sort(sort.Reverse(sort.StringSlice(candidates)))

	logger := log.WithPartition(part.Topic, part.Partition)

	tried := 0
	for _, key := range candidates {
		if tried >= imp.depth() {
			break
		}
		tried++

		meta, err := imp.tryCandidate(ctx, key, destDir)
		if err != nil {
			logger.Warn().Err(err).Str("candidate", key).Msg("checkpoint import candidate rejected")
			continue
		}
		if cutoff > 0 && meta.AttemptTimestampMicros < cutoff {
			logger.Info().Str("candidate", key).Msg("checkpoint import candidate outside window")
			continue
		}

		if err := writeImportMarker(destDir, meta.ID); err != nil {
			return nil, fmt.Errorf("write import marker: %w", err)
		}
		logger.Info().Str("checkpoint_id", meta.ID).Int("attempts_tried", tried).Msg("checkpoint imported")
		return meta, nil
	}

	return nil, ErrImportExhausted
}

// tryCandidate downloads and validates one metadata.json and every data
// file it references, landing them under destDir. A failure here is not
// fatal to the overall import: the caller falls back to the next-older
// candidate.
func (imp *S3Importer) tryCandidate(ctx context.Context, metaKey, destDir string) (*Metadata, error) {
	raw, err := imp.Store.GetObject(ctx, metaKey)
	if err != nil {
		return nil, fmt.Errorf("download metadata.json: %w", err)
	}

	meta, err := UnmarshalMetadata(raw)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range meta.Files {
		f := f
		g.Go(func() error {
			return imp.downloadFile(gctx, f, destDir)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("download data files: %w", err)
	}

	return &meta, nil
}

func (imp *S3Importer) downloadFile(ctx context.Context, f FileRef, destDir string) error {
	data, err := imp.Store.GetObject(ctx, f.RemoteFilepath)
	if err != nil {
		return fmt.Errorf("download %s: %w", f.RemoteFilepath, err)
	}

	name := filepath.Base(f.RemoteFilepath)
	tmp := filepath.Join(destDir, name+".download")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	// Atomic rename so a reader never observes a partially-written file.
	if err := os.Rename(tmp, filepath.Join(destDir, name)); err != nil {
		return fmt.Errorf("finalize %s: %w", name, err)
	}
	return nil
}

func writeImportMarker(destDir, checkpointID string) error {
	marker := filepath.Join(destDir, fmt.Sprintf(".imported_%s", checkpointID))
	return os.WriteFile(marker, nil, 0o644)
}

// nowMicros is overridden in tests; production uses the wall clock.
var nowMicros = func() int64 {
	return time.Now().UnixMicro()
}
