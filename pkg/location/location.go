// Package location parses "cluster/database" strings and resolves them to
// live cluster connections, choosing between a hidden secondary and the
// primary according to the read-vs-write rules of §4.1.
package location

import (
	"context"
	"fmt"
	"strings"

	"github.com/block/shardmove/pkg/dbconn"
	"go.mongodb.org/mongo-driver/mongo"
)

// Location is a parsed "cluster/database" pair.
type Location struct {
	ClusterAddr string
	DatabaseName string
}

func (l Location) String() string {
	return fmt.Sprintf("%s/%s", l.ClusterAddr, l.DatabaseName)
}

// Parse splits a location string of the form "cluster_address/database_name"
// into its two parts. The cluster address itself may contain no further
// slashes; everything after the first slash is the database name.
func Parse(s string) (Location, error) {
	idx := strings.Index(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return Location{}, fmt.Errorf("invalid location %q: want \"cluster/database\"", s)
	}
	return Location{
		ClusterAddr:  s[:idx],
		DatabaseName: s[idx+1:],
	}, nil
}

// HiddenSecondaryConfig maps a cluster address to the host:port of its
// hidden secondary, for clusters where one has been configured to offload
// bulk-scan load from the primary.
type HiddenSecondaryConfig map[string]string

// Resolver resolves locations to live cluster connections, using the
// registry to avoid redialling the same cluster address repeatedly.
type Resolver struct {
	registry        *dbconn.Registry
	hiddenSecondary HiddenSecondaryConfig
}

// NewResolver builds a Resolver backed by registry, with an optional map of
// cluster address to hidden-secondary host.
func NewResolver(registry *dbconn.Registry, hiddenSecondary HiddenSecondaryConfig) *Resolver {
	if hiddenSecondary == nil {
		hiddenSecondary = HiddenSecondaryConfig{}
	}
	return &Resolver{registry: registry, hiddenSecondary: hiddenSecondary}
}

// Primary returns the database handle for loc's primary. Used for all
// writes and for oplog reads during sync (the oplog's "local" database is
// only reliably servable by the primary).
func (r *Resolver) Primary(ctx context.Context, loc Location) (*mongo.Database, error) {
	client, err := r.registry.Client(ctx, loc.ClusterAddr, false)
	if err != nil {
		return nil, err
	}
	return client.Database(loc.DatabaseName), nil
}

// PreferredRead returns the database handle to use for a bulk scan: the
// configured hidden secondary for loc's cluster if one exists, else the
// primary. Used by the copy and delete engines.
func (r *Resolver) PreferredRead(ctx context.Context, loc Location) (*mongo.Database, error) {
	if host, ok := r.hiddenSecondary[loc.ClusterAddr]; ok && host != "" {
		client, err := r.registry.Client(ctx, host, true)
		if err == nil {
			return client.Database(loc.DatabaseName), nil
		}
		// Fall through to primary: a hidden secondary that can't be reached
		// is not fatal, it just means we lose the scan-offload benefit.
	}
	return r.Primary(ctx, loc)
}

// Close releases every connection this resolver's registry opened.
func (r *Resolver) Close(ctx context.Context) error {
	return r.registry.CloseAll(ctx)
}
