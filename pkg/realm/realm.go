// Package realm holds the data model shared by every component of the
// migration engine: realms, shard metadata, and the shard status state
// machine that the routing-metadata store persists.
package realm

import "fmt"

// Realm describes a sharded collection: its name, the collection it governs,
// and the document attribute whose value identifies a shard. A Realm is
// immutable for the lifetime of any migration that references it.
type Realm struct {
	Name           string
	CollectionName string
	ShardField     string
}

// Status is the lifecycle state of one (realm, shard key) pair.
type Status int32

const (
	// StatusAtRest means the shard is not migrating.
	StatusAtRest Status = iota
	// StatusMigratingCopy means the copy phase is in progress.
	StatusMigratingCopy
	// StatusMigratingSync means oplog sync is in progress.
	StatusMigratingSync
	// StatusPostMigrationPausedAtDestination means writers are paused/redirected
	// and the final catch-up sync is in progress.
	StatusPostMigrationPausedAtDestination
	// StatusPostMigrationDelete means the destination is authoritative and the
	// source copy is being deleted.
	StatusPostMigrationDelete
)

func (s Status) String() string {
	switch s {
	case StatusAtRest:
		return "AT_REST"
	case StatusMigratingCopy:
		return "MIGRATING_COPY"
	case StatusMigratingSync:
		return "MIGRATING_SYNC"
	case StatusPostMigrationPausedAtDestination:
		return "POST_MIGRATION_PAUSED_AT_DESTINATION"
	case StatusPostMigrationDelete:
		return "POST_MIGRATION_DELETE"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// IsMigrationPhase reports whether s is one of the four non-rest states.
// Used by the single-migration concurrency guard.
func (s Status) IsMigrationPhase() bool {
	return s != StatusAtRest
}

// ShardStatus is an alias kept for readability at call sites that talk
// specifically about a shard's migration phase rather than a generic Status.
type ShardStatus = Status

// ShardMeta is one record per (realm, shard key): where it is, where it's
// going (if migrating), and what phase it's in. Mutated exclusively by the
// routing-metadata store through the engine's phase transitions.
type ShardMeta struct {
	Realm       string
	ShardKey    any
	Status      Status
	Location    string
	NewLocation string
}
