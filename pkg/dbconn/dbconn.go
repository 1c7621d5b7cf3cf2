// Package dbconn contains a series of cluster-connection-related utility
// functions: client construction, a process-wide client cache keyed by
// cluster address, and retry classification for transient Mongo errors.
package dbconn

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DBConfig carries connection tuning. Separated from Config so tests can
// override retry/timeout behavior without touching migration parameters.
type DBConfig struct {
	MaxRetries     int
	ConnectTimeout time.Duration
	ServerSelectTimeout time.Duration
}

// NewDBConfig returns the default tuning used when a caller doesn't supply
// their own.
func NewDBConfig() *DBConfig {
	return &DBConfig{
		MaxRetries:          5,
		ConnectTimeout:      10 * time.Second,
		ServerSelectTimeout: 10 * time.Second,
	}
}

// Registry is a process-wide (or worker-scoped, if the caller constructs
// one per worker) cache of *mongo.Client keyed by cluster address. A
// cluster address should be dialled once and reused: the driver's Client is
// already internally pooled and goroutine-safe, so the registry exists to
// avoid redialling the same cluster from the location resolver, the copier,
// the sync engine, and the delete engine independently.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*mongo.Client
	cfg     *DBConfig
}

// NewRegistry creates an empty client registry.
func NewRegistry(cfg *DBConfig) *Registry {
	if cfg == nil {
		cfg = NewDBConfig()
	}
	return &Registry{clients: make(map[string]*mongo.Client), cfg: cfg}
}

// Client returns a pooled client for addr, dialling it on first use.
// direct, when true, bypasses replica-set discovery and talks to exactly
// the given host — required to address a hidden secondary, which by
// definition is excluded from the driver's normal topology discovery.
func (r *Registry) Client(ctx context.Context, addr string, direct bool) (*mongo.Client, error) {
	key := addr
	if direct {
		key = "direct:" + addr
	}
	r.mu.Lock()
	if c, ok := r.clients[key]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(fmt.Sprintf("mongodb://%s", addr)).
		SetServerSelectionTimeout(r.cfg.ServerSelectTimeout).
		SetDirect(direct)

	// Dial and ping go through Retry: a cold replica set mid-election or a
	// transient DNS/network blip on the very first connection attempt
	// shouldn't fail the whole migration when a short retry would recover.
	var client *mongo.Client
	err := Retry(connectCtx, r.cfg, func(retryCtx context.Context) error {
		c, err := mongo.Connect(retryCtx, opts)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", addr, err)
		}
		if err := c.Ping(retryCtx, readpref.Primary()); err != nil {
			_ = c.Disconnect(retryCtx)
			return fmt.Errorf("ping %s: %w", addr, err)
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		// Lost a race with another goroutine; close ours, use theirs.
		_ = client.Disconnect(connectCtx)
		return c, nil
	}
	r.clients[key] = client
	return client, nil
}

// CloseAll disconnects every client this registry dialled. Called on worker
// exit so cluster connections don't outlive the migration that opened them.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for addr, c := range r.clients {
		if err := c.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disconnect %s: %w", addr, err)
		}
	}
	r.clients = make(map[string]*mongo.Client)
	return firstErr
}

// CanRetry classifies a Mongo error as transient (network blip, not-primary,
// cursor-killed-by-restart) versus a permanent failure. Mirrors the
// teacher's canRetryError number-switch, but against the driver's labeled
// error helpers instead of raw MySQL error numbers, since the Mongo driver
// classifies retryability itself through these predicates.
func CanRetry(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsNetworkError(err) {
		return true
	}
	if mongo.IsTimeout(err) {
		return true
	}
	var cmdErr mongo.CommandError
	if ok := asCommandError(err, &cmdErr); ok {
		switch cmdErr.Code {
		case 11600, 11602, // InterruptedAtShutdown, InterruptedDueToReplStateChange
			189,   // PrimarySteppedDown
			13435, // NotPrimaryNoSecondaryOk
			10107: // NotWritablePrimary
			return true
		}
	}
	return false
}

func asCommandError(err error, target *mongo.CommandError) bool {
	if ce, ok := err.(mongo.CommandError); ok {
		*target = ce
		return true
	}
	return false
}

// Backoff sleeps a short, jittered delay before retry attempt i. Mirrors
// dbconn.backoff's shape: grows with the attempt number, randomized so a
// batch of workers don't retry in lockstep.
func Backoff(i int) {
	if i <= 0 {
		return
	}
	randFactor := i * (1 + rand.Intn(10)) * int(10*time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}

// Retry runs fn up to cfg.MaxRetries times, backing off between attempts,
// stopping early once fn succeeds or returns a non-retryable error.
func Retry(ctx context.Context, cfg *DBConfig, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < cfg.MaxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !CanRetry(err) {
			return err
		}
		Backoff(i)
	}
	return err
}
