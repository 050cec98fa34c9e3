package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/PostHog/dedupd/pkg/log"
	"github.com/PostHog/dedupd/pkg/store"
	"github.com/PostHog/dedupd/pkg/types"
)

// snapshotFilename is the single data file a PartitionStore.CreateSnapshot
// call produces; the store engine snapshots to one bbolt file, so every
// attempt's "files" list has exactly one entry.
const snapshotFilename = "dedupd.db"

// Attempt is the immutable result of one successful checkpoint attempt.
type Attempt struct {
	Path     Path
	Sequence uint64
	Mode     Mode
	Metadata Metadata
}

// Worker performs a single checkpoint attempt for one partition: snapshot,
// then (if an Exporter is configured) upload.
type Worker struct {
	Partition types.Partition
	Store     *store.PartitionStore
	BaseDir   string
	Exporter  Exporter // nil means local-only: return the attempt without uploading.
	Sequence  uint64
	Mode      Mode
}

// Run executes the attempt. If ctx is cancelled before the snapshot is
// created, no files are written at all. If it is cancelled after the
// snapshot exists but before export completes, the exporter is asked to
// abort and the local directory is left for the cleanup loop.
func (w *Worker) Run(ctx context.Context, nowMicros int64) (*Attempt, error) {
	start := time.Now()
	path := NewPath(w.BaseDir, w.Partition, nowMicros)

	result, err := w.run(ctx, path)
	attemptDuration.Observe(time.Since(start).Seconds())

	result2 := "success"
	if err != nil {
		result2 = "failure"
		attemptFailuresTotal.WithLabelValues(string(w.Mode), result2, causeOf(err)).Inc()
	}
	attemptsTotal.WithLabelValues(string(w.Mode), result2).Inc()
	return result, err
}

func (w *Worker) run(ctx context.Context, path Path) (*Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint attempt cancelled before snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path.LocalDir), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint parent dir: %w", err)
	}

	snapshotPath := filepath.Join(path.LocalDir, snapshotFilename)
	if err := w.Store.CreateSnapshot(snapshotPath); err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot file: %w", err)
	}
	attemptSizeBytes.Observe(float64(info.Size()))
	attemptFileCount.Observe(1)

	highestOffset, err := w.Store.HighestOffset()
	if err != nil {
		return nil, fmt.Errorf("read highest offset: %w", err)
	}

	logger := log.WithPartition(w.Partition.Topic, w.Partition.Partition)

	if w.Exporter == nil {
		meta := NewMetadata(w.Partition.Topic, uint32(w.Partition.Partition), w.Sequence, path.TimestampMicros, highestOffset, w.Mode,
			[]FileRef{{RemoteFilepath: path.RemoteDataKey(snapshotFilename), SizeBytes: uint64(info.Size())}})
		return &Attempt{Path: path, Sequence: w.Sequence, Mode: w.Mode, Metadata: meta}, nil
	}

	meta, err := w.Exporter.Export(ctx, ExportRequest{
		Partition:       w.Partition,
		Path:            path,
		Sequence:        w.Sequence,
		Mode:            w.Mode,
		SnapshotFiles:   []string{snapshotFilename},
		LocalDir:        path.LocalDir,
		HighestOffset:   highestOffset,
	})
	if err != nil {
		logger.Error().Err(err).Str("mode", string(w.Mode)).Msg("checkpoint export failed")
		return nil, fmt.Errorf("export checkpoint: %w", err)
	}

	logger.Info().
		Str("mode", string(w.Mode)).
		Uint64("sequence", w.Sequence).
		Str("checkpoint_id", meta.ID).
		Msg("checkpoint attempt exported")
	return &Attempt{Path: path, Sequence: w.Sequence, Mode: w.Mode, Metadata: meta}, nil
}

func causeOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case isCancellation(err):
		return "cancelled"
	default:
		return "io_error"
	}
}
