package check

import (
	"context"
	"fmt"

	"github.com/block/shardmove/pkg/realm"
	"github.com/siddontang/loggers"
)

func init() {
	registerCheck("no-migration-in-progress", ScopePreflight, noMigrationInProgressCheck)
}

// noMigrationInProgressCheck refuses a shard already in one of the
// migration phases: it cannot be migrated again until it returns to
// AT_REST. It looks at this one shard only; the guard against a migration
// of any other shard is routing.Store.StartMigration.
func noMigrationInProgressCheck(ctx context.Context, r Resources, logger loggers.Advanced) error {
	meta, err := r.Store.GetShard(ctx, r.Realm.Name, r.ShardKey)
	if err != nil {
		return fmt.Errorf("read shard metadata: %w", err)
	}
	if meta.Status.IsMigrationPhase() {
		return fmt.Errorf("shard %v is in phase %s, not %s", r.ShardKey, meta.Status, realm.StatusAtRest)
	}
	return nil
}
