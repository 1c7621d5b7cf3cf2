// Package mgerrors defines the typed error kinds produced by the migration
// engine, so callers can distinguish a fatal precondition failure from a
// recoverable oplog-window miss without string-matching error messages.
package mgerrors

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

// ErrPrecondition is returned when a phase is entered but the shard is not
// in the status that phase requires. Fatal; no state is written.
var ErrPrecondition = errors.New("shard not in expected status for this phase")

// ErrConcurrencyConflict is returned when a migration is requested while
// another shard is already in a migration phase. Fatal, before the worker
// is even spawned.
var ErrConcurrencyConflict = errors.New("another migration is already in progress")

// ErrOplogWindowMissed is returned when the recorded oplog_pos has fallen
// out of the source's oplog before sync could start. The operator must
// retry with a longer oplog retention window or a faster copy phase.
var ErrOplogWindowMissed = errors.New("oplog window missed: copy took longer than the source's oplog retention")

// BulkWriteError wraps the driver's detailed bulk-write result so callers
// can log the first offending document rather than just an opaque error.
type BulkWriteError struct {
	Namespace string
	Detail    *mongo.BulkWriteException
}

func (e *BulkWriteError) Error() string {
	return fmt.Sprintf("bulk write failed on %s: %v", e.Namespace, e.Detail)
}

func (e *BulkWriteError) Unwrap() error {
	return e.Detail
}

// Precondition wraps ErrPrecondition with the offending status for logging.
func Precondition(phase string, got fmt.Stringer) error {
	return fmt.Errorf("%s: have status=%s: %w", phase, got, ErrPrecondition)
}
