package checkpoint

import (
	"context"
	"errors"
)

// ErrNoCandidates is returned by Importer.Import when no checkpoint attempt
// exists for the partition within the import window. This is not a failure:
// callers proceed with a fresh empty store.
var ErrNoCandidates = errors.New("checkpoint: no import candidates found")

// ErrImportExhausted is returned when every candidate within the import
// window failed (corrupt metadata, missing data file, or cancellation).
var ErrImportExhausted = errors.New("checkpoint: all import candidates failed")

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
