// Package migration drives one shard end to end: bulk copy, oplog catch-up
// sync, a writer-pause window, source deletion, and the final at-rest flip.
// It owns no transport of its own; it orchestrates pkg/copier, pkg/oplogsync,
// and pkg/deleter against connections from pkg/dbconn and pkg/location,
// persisting every phase transition through pkg/routing.Store.
package migration

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/block/shardmove/pkg/check"
	"github.com/block/shardmove/pkg/copier"
	"github.com/block/shardmove/pkg/dbconn"
	"github.com/block/shardmove/pkg/deleter"
	"github.com/block/shardmove/pkg/location"
	"github.com/block/shardmove/pkg/manager"
	"github.com/block/shardmove/pkg/metrics"
	"github.com/block/shardmove/pkg/oplog"
	"github.com/block/shardmove/pkg/oplogsync"
	"github.com/block/shardmove/pkg/realm"
	"github.com/block/shardmove/pkg/routing"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
)

type migrationState int32

const (
	stateInitial migrationState = iota
	stateCopy
	stateSync
	statePaused
	stateDelete
	stateAtRest
	stateErrCleanup
)

func (s migrationState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateCopy:
		return "copy"
	case stateSync:
		return "sync"
	case statePaused:
		return "paused"
	case stateDelete:
		return "delete"
	case stateAtRest:
		return "atRest"
	case stateErrCleanup:
		return "errCleanup"
	}
	return "unknown"
}

// maxFinalSyncPasses bounds the "loop until a pass applies nothing" rule
// added to the post-pause final sync: the original only synced once after
// the 100ms pause, trusting it to be enough. Looping until a pass is a
// strict improvement as long as it can't spin forever on a source that
// never goes quiet, hence the cap.
const maxFinalSyncPasses = 20

// Config seeds a migration. Throttles default to 0 (no pause) and batch
// sizes default to 1000, matching the original's do_migration defaults.
type Config struct {
	CollectionName  string
	ShardKey        any
	NewLocation     string
	DeleteThrottle  time.Duration
	InsertThrottle  time.Duration
	DeleteBatchSize int
	InsertBatchSize int
}

func (c *Config) setDefaults() {
	if c.DeleteBatchSize == 0 {
		c.DeleteBatchSize = 1000
	}
	if c.InsertBatchSize == 0 {
		c.InsertBatchSize = 1000
	}
}

// Driver runs one migration's phase state machine. Build one with Start;
// it launches the migration in a background goroutine and returns
// immediately with a Manager the caller polls or blocks on.
type Driver struct {
	cfg      Config
	store    routing.Store
	resolver *location.Resolver
	registry *dbconn.Registry
	mgr      *manager.Manager
	sink     metrics.Sink
	logger   loggers.Advanced

	currentState atomic.Int32
}

// Deps bundles the collaborators a Driver needs, all constructed and owned
// by the caller (typically cmd/shardmove's main).
type Deps struct {
	Store    routing.Store
	Registry *dbconn.Registry
	Resolver *location.Resolver
	Sink     metrics.Sink
	Logger   loggers.Advanced
}

// Start validates cfg, registers the migration with the routing store (this
// is also the single-migration concurrency guard), and launches the phase
// state machine in a background goroutine. It returns the Manager handle
// immediately; callers typically follow with
// mgr.BlockUntilFinished(ctx, 60*time.Second).
func Start(ctx context.Context, cfg Config, deps Deps) (*manager.Manager, error) {
	cfg.setDefaults()
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if cfg.NewLocation == "" {
		return nil, fmt.Errorf("new location is required")
	}
	if _, err := location.Parse(cfg.NewLocation); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	sink := deps.Sink
	if sink == nil {
		sink = &metrics.NoopSink{}
	}

	mgr := manager.New(manager.Config{
		CollectionName:  cfg.CollectionName,
		ShardKey:        cfg.ShardKey,
		NewLocation:     cfg.NewLocation,
		InsertThrottle:  cfg.InsertThrottle,
		DeleteThrottle:  cfg.DeleteThrottle,
		InsertBatchSize: cfg.InsertBatchSize,
		DeleteBatchSize: cfg.DeleteBatchSize,
	}, logger)

	d := &Driver{
		cfg:      cfg,
		store:    deps.Store,
		resolver: deps.Resolver,
		registry: deps.Registry,
		mgr:      mgr,
		sink:     sink,
		logger:   logger,
	}

	r, err := deps.Store.GetRealmForCollection(ctx, cfg.CollectionName)
	if err != nil {
		return nil, err
	}

	sourceLoc, destLoc, err := d.locations(ctx, r)
	if err != nil {
		return nil, err
	}
	sourceClient, err := deps.Registry.Client(ctx, sourceLoc.ClusterAddr, false)
	if err != nil {
		return nil, fmt.Errorf("connect to source cluster: %w", err)
	}
	destClient, err := deps.Registry.Client(ctx, destLoc.ClusterAddr, false)
	if err != nil {
		return nil, fmt.Errorf("connect to destination cluster: %w", err)
	}

	checkResources := check.Resources{
		SourceClient:   sourceClient,
		SourceDatabase: sourceLoc.DatabaseName,
		DestClient:     destClient,
		DestDatabase:   destLoc.DatabaseName,
		Realm:          r,
		ShardKey:       cfg.ShardKey,
		Store:          deps.Store,
	}
	if err := check.RunChecks(ctx, checkResources, logger, check.ScopePreflight); err != nil {
		return nil, err
	}

	if err := deps.Store.StartMigration(ctx, cfg.CollectionName, cfg.ShardKey, cfg.NewLocation); err != nil {
		return nil, err
	}

	go d.run(context.WithoutCancel(ctx), r)
	return mgr, nil
}

func (d *Driver) setState(s migrationState) {
	d.currentState.Store(int32(s))
	d.mgr.SetPhase(stateToStatus(s))
	d.sink.SetPhase(d.cfg.CollectionName, s.String())
}

func stateToStatus(s migrationState) realm.Status {
	switch s {
	case stateCopy:
		return realm.StatusMigratingCopy
	case stateSync:
		return realm.StatusMigratingSync
	case statePaused:
		return realm.StatusPostMigrationPausedAtDestination
	case stateDelete:
		return realm.StatusPostMigrationDelete
	default:
		return realm.StatusAtRest
	}
}

// run is the phase sequence: copy, sync, pause, delete, at-rest. Any error
// at any phase aborts the migration, leaving the shard's routing-metadata
// status at whichever phase it last reached — pkg/recover resolves that
// from here.
func (d *Driver) run(ctx context.Context, r realm.Realm) {
	err := d.runPhases(ctx, r)
	d.mgr.Finish(err)
	if err != nil {
		d.logger.Errorf("migration failed for %s shard key %v: %v", r.CollectionName, d.cfg.ShardKey, err)
	}
}

func (d *Driver) runPhases(ctx context.Context, r realm.Realm) error {
	sourceLoc, destLoc, err := d.locations(ctx, r)
	if err != nil {
		return err
	}
	source, err := d.resolver.PreferredRead(ctx, sourceLoc)
	if err != nil {
		return err
	}
	sourcePrimary, err := d.resolver.Primary(ctx, sourceLoc)
	if err != nil {
		return err
	}
	dest, err := d.resolver.Primary(ctx, destLoc)
	if err != nil {
		return err
	}
	sourceClient, err := d.registry.Client(ctx, sourceLoc.ClusterAddr, false)
	if err != nil {
		return err
	}

	// Copy phase.
	d.setState(stateCopy)
	pos, err := oplog.LatestTimestamp(ctx, sourceClient)
	if err != nil {
		return fmt.Errorf("record starting oplog position: %w", err)
	}
	c := &copier.Copier{
		Source:     source.Collection(r.CollectionName),
		Target:     dest.Collection(r.CollectionName),
		ShardField: r.ShardField,
		ShardKey:   d.cfg.ShardKey,
		Manager:    d.mgr,
		Sink:       d.sink,
		RealmName:  r.Name,
		Logger:     d.logger,
	}
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("copy phase: %w", err)
	}

	// Sync phase.
	d.setState(stateSync)
	if err := d.store.SetShardToMigrationStatus(ctx, r.CollectionName, d.cfg.ShardKey, realm.StatusMigratingSync); err != nil {
		return err
	}
	syncer := &oplogsync.Syncer{
		SourceClient: sourceClient,
		Source:       sourcePrimary.Collection(r.CollectionName),
		Target:       dest.Collection(r.CollectionName),
		ShardField:   r.ShardField,
		ShardKey:     d.cfg.ShardKey,
		RealmName:    r.Name,
		Sink:         d.sink,
	}
	startSync := time.Now()
	pos, _, err = syncer.RunOnce(ctx, pos)
	if err != nil {
		return fmt.Errorf("initial oplog sync: %w", err)
	}

	// Ensure the sync window covers at least the router cache's caching
	// duration, so every writer's cached routing entry expires before the
	// shard is paused: otherwise a writer could keep sending writes to the
	// old location after the source stops being kept in sync.
	cachingDuration, err := d.store.GetCachingDuration(ctx)
	if err != nil {
		return err
	}
	for time.Since(startSync) < cachingDuration {
		if err := sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
		pos, _, err = syncer.RunOnce(ctx, pos)
		if err != nil {
			return fmt.Errorf("caching-window oplog sync: %w", err)
		}
	}

	// Paused-at-destination phase: routers should no longer be caching the
	// old location. Give any in-flight write ~100ms to land, then drain the
	// oplog until a pass applies nothing, bounded by maxFinalSyncPasses.
	d.setState(statePaused)
	if err := d.store.SetShardToMigrationStatus(ctx, r.CollectionName, d.cfg.ShardKey, realm.StatusPostMigrationPausedAtDestination); err != nil {
		return err
	}
	if err := sleep(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	for i := 0; i < maxFinalSyncPasses; i++ {
		var replayed int
		pos, replayed, err = syncer.RunOnce(ctx, pos)
		if err != nil {
			return fmt.Errorf("final oplog sync: %w", err)
		}
		if replayed == 0 {
			break
		}
	}

	// Delete phase: two passes, hidden secondary first then primary, so
	// the bulk of the scan load avoids the primary.
	d.setState(stateDelete)
	if err := d.store.SetShardToMigrationStatus(ctx, r.CollectionName, d.cfg.ShardKey, realm.StatusPostMigrationDelete); err != nil {
		return err
	}
	del := &deleter.Deleter{
		Target:     sourcePrimary.Collection(r.CollectionName),
		ShardField: r.ShardField,
		ShardKey:   d.cfg.ShardKey,
		Manager:    d.mgr,
		Sink:       d.sink,
		RealmName:  r.Name,
	}
	del.Read = source.Collection(r.CollectionName)
	if err := del.Run(ctx); err != nil {
		return fmt.Errorf("delete phase (hidden secondary pass): %w", err)
	}
	del.Read = sourcePrimary.Collection(r.CollectionName)
	if err := del.Run(ctx); err != nil {
		return fmt.Errorf("delete phase (primary pass): %w", err)
	}

	d.setState(stateAtRest)
	return d.store.SetShardAtRest(ctx, r.CollectionName, d.cfg.ShardKey, d.cfg.NewLocation, true)
}

func (d *Driver) locations(ctx context.Context, r realm.Realm) (source, dest location.Location, err error) {
	meta, err := d.store.GetShard(ctx, r.Name, d.cfg.ShardKey)
	if err != nil {
		return location.Location{}, location.Location{}, err
	}
	source, err = location.Parse(meta.Location)
	if err != nil {
		return location.Location{}, location.Location{}, fmt.Errorf("current shard location: %w", err)
	}
	dest, err = location.Parse(d.cfg.NewLocation)
	if err != nil {
		return location.Location{}, location.Location{}, err
	}
	return source, dest, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
