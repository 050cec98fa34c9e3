package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/PostHog/dedupd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLocalFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestS3ExporterFullModeAlwaysUploads(t *testing.T) {
	fake := newFakeObjectStore()
	exp := NewS3Exporter(fake)

	part := types.Partition{Topic: "events", Partition: 0}
	path := NewPath(t.TempDir(), part, 1700000000000000)
	writeLocalFile(t, path.LocalDir, "dedupd.db", "v1")

	meta, err := exp.Export(context.Background(), ExportRequest{
		Partition: part, Path: path, Sequence: 1, Mode: ModeFull,
		SnapshotFiles: []string{"dedupd.db"}, LocalDir: path.LocalDir, HighestOffset: 10,
	})
	require.NoError(t, err)
	assert.Len(t, meta.Files, 1)
	assert.Equal(t, 2, fake.putCount()) // data file + metadata.json

	data, err := fake.GetObject(context.Background(), path.RemoteMetadataKey)
	require.NoError(t, err)
	roundTrip, err := UnmarshalMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, meta, roundTrip)
}

func TestS3ExporterIncrementalSkipsUnchangedFile(t *testing.T) {
	fake := newFakeObjectStore()
	exp := NewS3Exporter(fake)
	part := types.Partition{Topic: "events", Partition: 0}

	path1 := NewPath(t.TempDir(), part, 1700000000000000)
	writeLocalFile(t, path1.LocalDir, "dedupd.db", "same-content")
	meta1, err := exp.Export(context.Background(), ExportRequest{
		Partition: part, Path: path1, Sequence: 1, Mode: ModeIncremental,
		SnapshotFiles: []string{"dedupd.db"}, LocalDir: path1.LocalDir, HighestOffset: 10,
	})
	require.NoError(t, err)
	putsAfterFirst := fake.putCount()

	path2 := NewPath(t.TempDir(), part, 1700000000001000)
	writeLocalFile(t, path2.LocalDir, "dedupd.db", "same-content")
	meta2, err := exp.Export(context.Background(), ExportRequest{
		Partition: part, Path: path2, Sequence: 2, Mode: ModeIncremental,
		SnapshotFiles: []string{"dedupd.db"}, LocalDir: path2.LocalDir, HighestOffset: 20,
	})
	require.NoError(t, err)

	// Only metadata.json should have been uploaded the second time: the data
	// file content hash is unchanged, so it points back at the first attempt's key.
	assert.Equal(t, putsAfterFirst+1, fake.putCount())
	assert.Equal(t, meta1.Files[0].RemoteFilepath, meta2.Files[0].RemoteFilepath)
}

func TestS3ExporterIncrementalReuploadsChangedFile(t *testing.T) {
	fake := newFakeObjectStore()
	exp := NewS3Exporter(fake)
	part := types.Partition{Topic: "events", Partition: 0}

	path1 := NewPath(t.TempDir(), part, 1700000000000000)
	writeLocalFile(t, path1.LocalDir, "dedupd.db", "v1")
	meta1, err := exp.Export(context.Background(), ExportRequest{
		Partition: part, Path: path1, Sequence: 1, Mode: ModeIncremental,
		SnapshotFiles: []string{"dedupd.db"}, LocalDir: path1.LocalDir, HighestOffset: 10,
	})
	require.NoError(t, err)

	path2 := NewPath(t.TempDir(), part, 1700000000001000)
	writeLocalFile(t, path2.LocalDir, "dedupd.db", "v2-changed")
	meta2, err := exp.Export(context.Background(), ExportRequest{
		Partition: part, Path: path2, Sequence: 2, Mode: ModeIncremental,
		SnapshotFiles: []string{"dedupd.db"}, LocalDir: path2.LocalDir, HighestOffset: 20,
	})
	require.NoError(t, err)

	assert.NotEqual(t, meta1.Files[0].RemoteFilepath, meta2.Files[0].RemoteFilepath)
}

func TestS3ExporterFailsOnMissingLocalFile(t *testing.T) {
	fake := newFakeObjectStore()
	exp := NewS3Exporter(fake)
	part := types.Partition{Topic: "events", Partition: 0}
	path := NewPath(t.TempDir(), part, 1700000000000000)

	_, err := exp.Export(context.Background(), ExportRequest{
		Partition: part, Path: path, Sequence: 1, Mode: ModeFull,
		SnapshotFiles: []string{"dedupd.db"}, LocalDir: path.LocalDir, HighestOffset: 10,
	})
	assert.Error(t, err)
}
