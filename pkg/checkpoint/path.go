package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/PostHog/dedupd/pkg/types"
)

// timestampWidth zero-pads the attempt timestamp so lexicographic order over
// local directories and remote prefixes matches chronological order, the
// same invariant the Deduplication Key encoding relies on (pkg/types).
const timestampWidth = 20

// Path describes where one checkpoint attempt lives, locally and remotely.
type Path struct {
	Partition       types.Partition
	TimestampMicros int64

	// LocalDir is <base>/<topic>/<partition>/<ts>/. The leaf directory is
	// not created by NewPath: the store's snapshot facility requires the
	// leaf not to exist yet.
	LocalDir string
	// RemoteMetadataKey is the unhashed metadata.json key, enumerable by
	// listing checkpoints/<topic>/<partition>/.
	RemoteMetadataKey string
	// remotePrefix is the hashed data-file prefix shared by every file in
	// this attempt.
	remotePrefix string
}

// NewPath constructs a Path for one checkpoint attempt.
func NewPath(baseDir string, part types.Partition, timestampMicros int64) Path {
	ts := fmt.Sprintf("%0*d", timestampWidth, timestampMicros)
	localDir := filepath.Join(baseDir, part.Topic, fmt.Sprint(part.Partition), ts)
	unhashedPrefix := fmt.Sprintf("checkpoints/%s/%d/%s", part.Topic, part.Partition, ts)
	hash := partitionHash(part)

	return Path{
		Partition:         part,
		TimestampMicros:   timestampMicros,
		LocalDir:          localDir,
		RemoteMetadataKey: unhashedPrefix + "/metadata.json",
		remotePrefix:      fmt.Sprintf("%s/%s", hash, unhashedPrefix),
	}
}

// RemoteDataKey returns the hashed remote path for a data file named name
// within this attempt: <hash>/checkpoints/<topic>/<partition>/<ts>/<name>.
func (p Path) RemoteDataKey(name string) string {
	return fmt.Sprintf("%s/%s", p.remotePrefix, name)
}

// RemoteListPrefix returns the unhashed prefix under which every attempt for
// this partition is enumerable: checkpoints/<topic>/<partition>/.
func RemoteListPrefix(part types.Partition) string {
	return fmt.Sprintf("checkpoints/%s/%d/", part.Topic, part.Partition)
}

// partitionHash distributes checkpoint load across object-store prefixes: a
// short deterministic hash of (topic, partition).
func partitionHash(part types.Partition) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", part.Topic, part.Partition)))
	return hex.EncodeToString(sum[:])[:8]
}
