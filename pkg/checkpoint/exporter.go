package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/PostHog/dedupd/pkg/objectstore"
	"github.com/PostHog/dedupd/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ObjectStore is the subset of *objectstore.Client the exporter and importer
// need; satisfied by *objectstore.Client and by in-memory fakes in tests.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	ListObjectsV2(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error
}

// ExportRequest carries everything an Exporter needs for one attempt.
type ExportRequest struct {
	Partition     types.Partition
	Path          Path
	Sequence      uint64
	Mode          Mode
	SnapshotFiles []string // file names, relative to LocalDir
	LocalDir      string
	HighestOffset int64
}

// Exporter uploads a checkpoint attempt to object storage.
type Exporter interface {
	Export(ctx context.Context, req ExportRequest) (Metadata, error)
}

// diffState is what an incremental attempt needs to know about the
// previous successful attempt for one partition: for each snapshot file
// name, which remote key it currently lives at and the content hash it had
// when uploaded, so an unchanged file can be referenced without a re-upload.
type diffState struct {
	remoteKey string
	hash      string
}

// S3Exporter is the Full/Incremental exporter backed by an ObjectStore.
type S3Exporter struct {
	Store ObjectStore

	mu    sync.Mutex
	state map[types.Partition]map[string]diffState // partition -> filename -> diffState
}

// NewS3Exporter creates an exporter with empty diff state; every partition's
// first attempt after process start re-uploads its file once even under
// Incremental mode, since there is nothing yet to diff against.
func NewS3Exporter(store ObjectStore) *S3Exporter {
	return &S3Exporter{Store: store, state: make(map[types.Partition]map[string]diffState)}
}

// Export uploads one attempt: every data file (or, for Incremental, every
// file whose content actually changed) is uploaded first; metadata.json is
// uploaded last and only once every data file it references is confirmed
// durable, so a reader never observes a checkpoint with missing data.
func (e *S3Exporter) Export(ctx context.Context, req ExportRequest) (Metadata, error) {
	g, gctx := errgroup.WithContext(ctx)

	files := make([]FileRef, len(req.SnapshotFiles))
	for i, name := range req.SnapshotFiles {
		i, name := i, name
		g.Go(func() error {
			ref, err := e.exportFile(gctx, req, name)
			if err != nil {
				return err
			}
			files[i] = ref
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if isCancellation(err) {
			return Metadata{}, fmt.Errorf("export cancelled before metadata upload: %w", err)
		}
		return Metadata{}, fmt.Errorf("upload data files: %w", err)
	}

	meta := NewMetadata(req.Partition.Topic, uint32(req.Partition.Partition), req.Sequence,
		req.Path.TimestampMicros, req.HighestOffset, req.Mode, files)

	data, err := meta.Marshal()
	if err != nil {
		return Metadata{}, err
	}

	// metadata.json is the last write: its presence is the sole existence
	// signal a reader relies on.
	if err := e.Store.PutObject(ctx, req.Path.RemoteMetadataKey, data); err != nil {
		return Metadata{}, fmt.Errorf("upload metadata.json: %w", err)
	}

	return meta, nil
}

func (e *S3Exporter) exportFile(ctx context.Context, req ExportRequest, name string) (FileRef, error) {
	full := filepath.Join(req.LocalDir, name)
	content, err := os.ReadFile(full)
	if err != nil {
		return FileRef{}, fmt.Errorf("read snapshot file %s: %w", name, err)
	}
	hash := contentHash(content)

	if req.Mode == ModeIncremental {
		if prev, ok := e.lookupDiff(req.Partition, name); ok && prev.hash == hash {
			// Unchanged since the previous attempt: the file already lives
			// durably at prev.remoteKey, nothing to upload.
			return FileRef{RemoteFilepath: prev.remoteKey, SizeBytes: uint64(len(content))}, nil
		}
	}

	remoteKey := req.Path.RemoteDataKey(name)
	if err := e.Store.PutObject(ctx, remoteKey, content); err != nil {
		return FileRef{}, fmt.Errorf("upload data file %s: %w", name, err)
	}
	fileUploadBytes.Observe(float64(len(content)))

	e.recordDiff(req.Partition, name, diffState{remoteKey: remoteKey, hash: hash})
	return FileRef{RemoteFilepath: remoteKey, SizeBytes: uint64(len(content))}, nil
}

func (e *S3Exporter) lookupDiff(part types.Partition, name string) (diffState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	files, ok := e.state[part]
	if !ok {
		return diffState{}, false
	}
	d, ok := files[name]
	return d, ok
}

func (e *S3Exporter) recordDiff(part types.Partition, name string, d diffState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	files, ok := e.state[part]
	if !ok {
		files = make(map[string]diffState)
		e.state[part] = files
	}
	files[name] = d
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
