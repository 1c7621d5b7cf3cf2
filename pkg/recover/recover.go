// Package recover provides manual recovery helpers for a migration that
// crashed mid-flight. These are operator tools, not part of the normal
// migration path: each one requires the caller to have already confirmed
// no migration goroutine is still running against the shard — running one
// of these against a shard with a live migration will race with it and can
// lose data, exactly as in the original runbook.
package recover

import (
	"context"
	"fmt"
	"time"

	"github.com/block/shardmove/pkg/deleter"
	"github.com/block/shardmove/pkg/location"
	"github.com/block/shardmove/pkg/manager"
	"github.com/block/shardmove/pkg/metrics"
	"github.com/block/shardmove/pkg/realm"
	"github.com/block/shardmove/pkg/routing"
)

// AbortBeforeDelete reverses a migration that failed during copy or sync
// (before the delete phase began): it deletes whatever was copied to the
// destination and puts the shard back at rest in its original location.
// Grounded on fix_failed_pre_delete: the shard must still be in a
// migration phase before the delete phase.
func AbortBeforeDelete(ctx context.Context, store routing.Store, resolver *location.Resolver, collectionName string, shardKey any, batchSize int, throttle time.Duration) error {
	r, err := store.GetRealmForCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	meta, err := store.GetShard(ctx, r.Name, shardKey)
	if err != nil {
		return err
	}
	if !meta.Status.IsMigrationPhase() {
		return fmt.Errorf("shard %v is AT_REST, not in a migration phase: nothing to abort", shardKey)
	}
	if meta.Status == realm.StatusPostMigrationDelete {
		return fmt.Errorf("shard %v is already in the delete phase: use ResumeDuringDelete instead", shardKey)
	}

	destLoc, err := location.Parse(meta.NewLocation)
	if err != nil {
		return fmt.Errorf("destination location: %w", err)
	}
	dest, err := resolver.Primary(ctx, destLoc)
	if err != nil {
		return err
	}

	mgr := manager.New(manager.Config{DeleteBatchSize: batchSize, DeleteThrottle: throttle}, nil)
	coll := dest.Collection(collectionName)
	d := &deleter.Deleter{
		Read:       coll,
		Target:     coll,
		ShardField: r.ShardField,
		ShardKey:   shardKey,
		Manager:    mgr,
		Sink:       &metrics.NoopSink{},
		RealmName:  r.Name,
	}
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("delete partially-copied data from destination: %w", err)
	}

	return store.SetShardAtRest(ctx, collectionName, shardKey, meta.Location, true)
}

// ResumeDuringDelete resumes a migration that crashed or was aborted during
// the delete phase: it re-runs the two-pass source delete (hidden secondary
// then primary) and then sets the shard at rest in its new location.
// Grounded on fix_failed_during_delete.
func ResumeDuringDelete(ctx context.Context, store routing.Store, resolver *location.Resolver, collectionName string, shardKey any, batchSize int, throttle time.Duration) error {
	r, err := store.GetRealmForCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	meta, err := store.GetShard(ctx, r.Name, shardKey)
	if err != nil {
		return err
	}
	if meta.Status != realm.StatusPostMigrationDelete {
		return fmt.Errorf("shard %v is not in the delete phase", shardKey)
	}

	sourceLoc, err := location.Parse(meta.Location)
	if err != nil {
		return fmt.Errorf("source location: %w", err)
	}
	sourcePrimary, err := resolver.Primary(ctx, sourceLoc)
	if err != nil {
		return err
	}
	sourceRead, err := resolver.PreferredRead(ctx, sourceLoc)
	if err != nil {
		return err
	}

	mgr := manager.New(manager.Config{DeleteBatchSize: batchSize, DeleteThrottle: throttle}, nil)
	d := &deleter.Deleter{
		Target:     sourcePrimary.Collection(collectionName),
		ShardField: r.ShardField,
		ShardKey:   shardKey,
		Manager:    mgr,
		Sink:       &metrics.NoopSink{},
		RealmName:  r.Name,
	}
	d.Read = sourceRead.Collection(collectionName)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("delete phase (hidden secondary pass): %w", err)
	}
	d.Read = sourcePrimary.Collection(collectionName)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("delete phase (primary pass): %w", err)
	}

	return store.SetShardAtRest(ctx, collectionName, shardKey, meta.NewLocation, true)
}
