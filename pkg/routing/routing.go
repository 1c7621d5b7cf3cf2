// Package routing defines the routing-metadata store contract the
// migration driver reads and writes shard status through, and a MongoDB-
// backed implementation of it. Application-side routers read the same
// collections to decide where to send a given shard's traffic; this
// package only owns the writer side the migration engine needs.
package routing

import (
	"context"
	"time"

	"github.com/block/shardmove/pkg/realm"
)

// Store is the routing-metadata store's contract. The migration driver is
// the only writer; application-side routers are readers of the same
// underlying collections through their own client, out of this module's
// scope.
type Store interface {
	// GetRealmForCollection resolves which realm governs collectionName.
	GetRealmForCollection(ctx context.Context, collectionName string) (realm.Realm, error)

	// GetShard returns the current metadata for one (realm, shard key) pair.
	// Implementations return a StatusAtRest record with an empty Location
	// if none exists yet, never an error, so callers can treat "never
	// migrated" the same as "at rest".
	GetShard(ctx context.Context, realmName string, shardKey any) (realm.ShardMeta, error)

	// AreMigrationsHappening reports whether any shard, in any realm, is
	// currently in a migration phase. Used as the global concurrency guard
	// before a new migration is allowed to start.
	AreMigrationsHappening(ctx context.Context) (bool, error)

	// GetCachingDuration returns how long application-side routers cache a
	// shard's location before re-reading it. The driver keeps syncing for at
	// least this long during the MIGRATING_SYNC phase, before it pauses the
	// shard at the destination, so every writer's cached routing has expired.
	GetCachingDuration(ctx context.Context) (time.Duration, error)

	// StartMigration transitions a shard from AT_REST to MIGRATING_COPY,
	// recording its destination. Returns mgerrors.ErrConcurrencyConflict if
	// any shard, this one included, is already in a migration phase.
	StartMigration(ctx context.Context, collectionName string, shardKey, newLocation any) error

	// SetShardToMigrationStatus advances a shard already in a migration
	// phase to the next one. Returns mgerrors.ErrPrecondition if status
	// is not a valid successor of the shard's current status.
	SetShardToMigrationStatus(ctx context.Context, collectionName string, shardKey any, status realm.ShardStatus) error

	// SetShardAtRest completes a migration, recording location as the
	// shard's new (and only) location and clearing NewLocation. force
	// bypasses the precondition check, for recovery tooling that must
	// force a shard back to rest from an inconsistent phase.
	SetShardAtRest(ctx context.Context, collectionName string, shardKey any, location string, force bool) error
}
