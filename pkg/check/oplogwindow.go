package check

import (
	"context"
	"fmt"

	"github.com/block/shardmove/pkg/oplog"
	"github.com/siddontang/loggers"
)

func init() {
	registerCheck("oplog-enabled", ScopePreflight, oplogEnabledCheck)
}

// oplogEnabledCheck confirms the source is a replica set member with a
// readable local.oplog.rs, so the sync engine will have somewhere to tail
// from once copy finishes. A standalone mongod (no oplog) cannot be a
// migration source.
func oplogEnabledCheck(ctx context.Context, r Resources, logger loggers.Advanced) error {
	if r.SourceClient == nil {
		return fmt.Errorf("no source client configured")
	}
	if _, err := oplog.LatestTimestamp(ctx, r.SourceClient); err != nil {
		return fmt.Errorf("source oplog not readable, is it a replica set member: %w", err)
	}
	return nil
}
