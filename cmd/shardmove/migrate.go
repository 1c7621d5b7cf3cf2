package main

import (
	"context"
	"fmt"
	"time"

	"github.com/block/shardmove/pkg/dbconn"
	"github.com/block/shardmove/pkg/location"
	"github.com/block/shardmove/pkg/metrics"
	"github.com/block/shardmove/pkg/migration"
	"github.com/block/shardmove/pkg/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// MigrateCmd moves one shard to a new location and blocks until it finishes
// or fails, printing a status line every StatusInterval.
type MigrateCmd struct {
	ConfigAddr      string        `help:"Cluster address of the routing-metadata database." required:""`
	ConfigDatabase  string        `help:"Database name holding the realms/shards collections." default:"shardmonster"`
	Collection      string        `help:"Name of the collection whose shard is being moved." required:""`
	ShardKey        string        `help:"Value of the shard field identifying the shard to move." required:""`
	NewLocation     string        `help:"Destination in cluster/database form." required:""`
	HiddenSecondary []string      `help:"cluster=host:port pairs naming a hidden secondary to read from during copy/delete." sep:","`
	InsertThrottle  time.Duration `help:"Pause applied after each insert batch." default:"0"`
	DeleteThrottle  time.Duration `help:"Pause applied after each delete batch." default:"0"`
	InsertBatchSize int           `help:"Documents copied per batch." default:"1000"`
	DeleteBatchSize int           `help:"Documents deleted per batch." default:"1000"`
	StatusInterval  time.Duration `help:"How often to log migration status while blocked." default:"60s"`
	MetricsAddr     string        `help:"If set, serve Prometheus metrics on this address while migrating." default:""`
}

func (m *MigrateCmd) Run() error {
	ctx := context.Background()
	logger := logrus.New()

	hiddenSecondary, err := parseHiddenSecondary(m.HiddenSecondary)
	if err != nil {
		return err
	}

	registry := dbconn.NewRegistry(dbconn.NewDBConfig())
	defer registry.CloseAll(ctx)

	configClient, err := registry.Client(ctx, m.ConfigAddr, false)
	if err != nil {
		return fmt.Errorf("connect to routing-metadata cluster: %w", err)
	}
	store := routing.NewMongoStore(configClient.Database(m.ConfigDatabase), 0)
	resolver := location.NewResolver(registry, hiddenSecondary)

	var sink metrics.Sink = &metrics.NoopSink{}
	if m.MetricsAddr != "" {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		go serveMetrics(m.MetricsAddr, logger)
	}

	mgr, err := migration.Start(ctx, migration.Config{
		CollectionName:  m.Collection,
		ShardKey:        m.ShardKey,
		NewLocation:     m.NewLocation,
		InsertThrottle:  m.InsertThrottle,
		DeleteThrottle:  m.DeleteThrottle,
		InsertBatchSize: m.InsertBatchSize,
		DeleteBatchSize: m.DeleteBatchSize,
	}, migration.Deps{
		Store:    store,
		Registry: registry,
		Resolver: resolver,
		Sink:     sink,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("start migration: %w", err)
	}

	logger.Infof("migration started: collection=%s shard_key=%s destination=%s", m.Collection, m.ShardKey, m.NewLocation)
	return mgr.BlockUntilFinished(ctx, m.StatusInterval)
}
