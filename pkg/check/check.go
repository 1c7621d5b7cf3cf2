// Package check runs preflight and mid-migration validations against the
// source and destination clusters, the kind of checks that are cheap to run
// up front and expensive to discover the hard way mid-copy.
package check

import (
	"context"
	"fmt"

	"github.com/block/shardmove/pkg/realm"
	"github.com/block/shardmove/pkg/routing"
	"github.com/siddontang/loggers"
	"go.mongodb.org/mongo-driver/mongo"
)

// Scope identifies when a check should run.
type Scope int

const (
	// ScopePreflight runs before a migration is allowed to start.
	ScopePreflight Scope = iota
	// ScopeCutover is the scope for checks at the writer-pause/cutover step.
	// No registered check uses it, and the migration driver calls RunChecks
	// only with ScopePreflight.
	ScopeCutover
)

func (s Scope) String() string {
	switch s {
	case ScopePreflight:
		return "preflight"
	case ScopeCutover:
		return "cutover"
	default:
		return "unknown"
	}
}

// Resources bundles everything a checkFunc might need. Not every check uses
// every field; a checkFunc only reads what's relevant to it.
type Resources struct {
	SourceClient   *mongo.Client
	SourceDatabase string
	DestClient     *mongo.Client
	DestDatabase   string
	Realm          realm.Realm
	ShardKey       any
	Store          routing.Store
}

type checkFunc func(ctx context.Context, r Resources, logger loggers.Advanced) error

type namedCheck struct {
	name  string
	scope Scope
	fn    checkFunc
}

// registry lists every check this package knows about. Checks are appended
// by each check's own source file via registerCheck, so adding a check never
// requires touching this file.
var registry []namedCheck

func registerCheck(name string, scope Scope, fn checkFunc) {
	registry = append(registry, namedCheck{name: name, scope: scope, fn: fn})
}

// RunChecks runs every registered check whose scope matches scope, in
// registration order, stopping at the first failure. The returned error
// names which check failed.
func RunChecks(ctx context.Context, r Resources, logger loggers.Advanced, scope Scope) error {
	for _, c := range registry {
		if c.scope != scope {
			continue
		}
		if err := c.fn(ctx, r, logger); err != nil {
			return fmt.Errorf("check %q (%s) failed: %w", c.name, scope, err)
		}
		logger.Infof("check %q (%s) passed", c.name, scope)
	}
	return nil
}
