package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/block/shardmove/pkg/dbconn"
	"github.com/block/shardmove/pkg/location"
	recoverpkg "github.com/block/shardmove/pkg/recover"
	"github.com/block/shardmove/pkg/routing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// AbortBeforeCmd reverses a migration that failed during copy or sync,
// deleting whatever reached the destination and restoring the shard to
// AT_REST at its original location.
type AbortBeforeCmd struct {
	ConfigAddr     string `help:"Cluster address of the routing-metadata database." required:""`
	ConfigDatabase string `help:"Database name holding the realms/shards collections." default:"shardmonster"`
	Collection     string `help:"Name of the collection whose shard is stuck." required:""`
	ShardKey       string `help:"Value of the shard field identifying the stuck shard." required:""`
	BatchSize      int    `help:"Documents deleted per batch." default:"1000"`
	Throttle       time.Duration `help:"Pause applied after each delete batch." default:"0"`
}

func (a *AbortBeforeCmd) Run() error {
	ctx := context.Background()
	store, resolver, registry, err := dial(ctx, a.ConfigAddr, a.ConfigDatabase)
	if err != nil {
		return err
	}
	defer registry.CloseAll(ctx)

	return recoverpkg.AbortBeforeDelete(ctx, store, resolver, a.Collection, a.ShardKey, a.BatchSize, a.Throttle)
}

// ResumeDeleteCmd resumes a migration that crashed or was aborted during
// the delete phase: it re-runs the source delete and flips the shard to
// AT_REST at its new location.
type ResumeDeleteCmd struct {
	ConfigAddr      string        `help:"Cluster address of the routing-metadata database." required:""`
	ConfigDatabase  string        `help:"Database name holding the realms/shards collections." default:"shardmonster"`
	Collection      string        `help:"Name of the collection whose shard is stuck." required:""`
	ShardKey        string        `help:"Value of the shard field identifying the stuck shard." required:""`
	HiddenSecondary []string      `help:"cluster=host:port pairs naming a hidden secondary to read from during the first delete pass." sep:","`
	BatchSize       int           `help:"Documents deleted per batch." default:"1000"`
	Throttle        time.Duration `help:"Pause applied after each delete batch." default:"0"`
}

func (r *ResumeDeleteCmd) Run() error {
	ctx := context.Background()
	store, resolver, registry, err := dial(ctx, r.ConfigAddr, r.ConfigDatabase, r.HiddenSecondary...)
	if err != nil {
		return err
	}
	defer registry.CloseAll(ctx)

	return recoverpkg.ResumeDuringDelete(ctx, store, resolver, r.Collection, r.ShardKey, r.BatchSize, r.Throttle)
}

func dial(ctx context.Context, configAddr, configDatabase string, hiddenSecondary ...string) (routing.Store, *location.Resolver, *dbconn.Registry, error) {
	hs, err := parseHiddenSecondary(hiddenSecondary)
	if err != nil {
		return nil, nil, nil, err
	}
	registry := dbconn.NewRegistry(dbconn.NewDBConfig())
	configClient, err := registry.Client(ctx, configAddr, false)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to routing-metadata cluster: %w", err)
	}
	store := routing.NewMongoStore(configClient.Database(configDatabase), 0)
	resolver := location.NewResolver(registry, hs)
	return store, resolver, registry, nil
}

// parseHiddenSecondary turns "cluster=host:port" pairs from the command
// line into a location.HiddenSecondaryConfig.
func parseHiddenSecondary(pairs []string) (location.HiddenSecondaryConfig, error) {
	cfg := location.HiddenSecondaryConfig{}
	for _, p := range pairs {
		if p == "" {
			continue
		}
		idx := strings.Index(p, "=")
		if idx <= 0 || idx == len(p)-1 {
			return nil, fmt.Errorf("invalid hidden-secondary pair %q: want \"cluster=host:port\"", p)
		}
		cfg[p[:idx]] = p[idx+1:]
	}
	return cfg, nil
}

// serveMetrics runs a bare Prometheus /metrics endpoint until ctx-less
// process exit. Errors are logged, not fatal: a dead metrics endpoint
// should never take down a migration.
func serveMetrics(addr string, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("metrics server on %s stopped: %v", addr, err)
	}
}
