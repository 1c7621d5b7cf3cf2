// Package oplogsync implements the catch-up sync phase: tailing the
// source's oplog from a recorded position and replaying insert/update/
// delete entries for one shard key against the destination.
package oplogsync

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/block/shardmove/pkg/metrics"
	"github.com/block/shardmove/pkg/oplog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// oplogAwaitTimeout bounds how long one RunOnce pass blocks waiting for the
// tailable-await cursor to yield more entries before this pass returns.
const oplogAwaitTimeout = 2 * time.Second

// Syncer replays oplog entries for one (realm, shard key) from Source onto
// Target, advancing Pos as it goes.
type Syncer struct {
	SourceClient *mongo.Client
	Source       *mongo.Collection
	Target       *mongo.Collection
	ShardField   string
	ShardKey     any
	RealmName    string
	Sink         metrics.Sink

	unackTarget *mongo.Collection
}

// targetUnacknowledged returns Target cloned with an unacknowledged write
// concern, building it once and reusing it: update replay deliberately
// doesn't wait for the write to be durable, since it's racing the next
// oplog entry for the same _id rather than a reader.
func (s *Syncer) targetUnacknowledged() (*mongo.Collection, error) {
	if s.unackTarget != nil {
		return s.unackTarget, nil
	}
	c, err := s.Target.Clone(options.Collection().SetWriteConcern(writeconcern.Unacknowledged()))
	if err != nil {
		return nil, fmt.Errorf("clone target with unacknowledged write concern: %w", err)
	}
	s.unackTarget = c
	return c, nil
}

// RunOnce tails the oplog from pos through whatever is currently available
// (the tailable-await cursor blocks briefly for more, then this returns
// once it goes quiet) and replays every entry for ShardKey, returning the
// position to resume from next time and the number of entries newer than
// pos it replayed. It does not loop forever: the caller decides how many
// passes to make (the driver calls it repeatedly during the caching-duration
// wait and again after the writer pause until a pass replays nothing).
func (s *Syncer) RunOnce(ctx context.Context, pos primitive.Timestamp) (primitive.Timestamp, int, error) {
	from := pos
	namespace := fmt.Sprintf("%s.%s", s.Source.Database().Name(), s.Source.Name())
	cur, err := oplog.Tail(ctx, s.SourceClient, namespace, pos)
	if err != nil {
		return pos, 0, err
	}
	defer cur.Close(ctx)

	replayed := 0
	for {
		awaitCtx, cancel := context.WithTimeout(ctx, oplogAwaitTimeout)
		hasNext := cur.Next(awaitCtx)
		quiet := awaitCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()
		if !hasNext {
			if quiet {
				break
			}
			if err := cur.Err(); err != nil {
				return pos, replayed, fmt.Errorf("tail cursor error: %w", err)
			}
			break
		}
		var entry oplog.Entry
		if err := cur.Decode(&entry); err != nil {
			return pos, replayed, fmt.Errorf("decode oplog entry: %w", err)
		}
		if err := s.replay(ctx, entry); err != nil {
			return pos, replayed, fmt.Errorf("replay %s entry: %w", entry.Op, err)
		}
		// The tail filter is ts >= from, so every pass re-reads the entry
		// at from; it was already applied and is not counted again.
		if entry.Timestamp != from {
			replayed++
		}
		pos = entry.Timestamp
		s.Sink.SetSyncLag(s.RealmName, time.Since(time.Unix(int64(entry.Timestamp.T), 0)))
	}
	if replayed > 0 {
		s.Sink.IncSyncReplayed(s.RealmName, replayed)
	}
	return pos, replayed, nil
}

// replay applies a single oplog entry to Target, following the idempotence
// rules of the original replay_oplog_entry: an insert only applies if the
// source still has the document (it may have been deleted mid-replay-lag);
// an update only applies if the source's current document differs from the
// oplog entry's recorded "o", and then replaces the target document (by
// _id, upserting) with the source's current document; a delete only applies
// if the target still has the document.
func (s *Syncer) replay(ctx context.Context, entry oplog.Entry) error {
	id, err := entry.ID()
	if err != nil {
		return err
	}
	shardSelector := bson.D{{Key: s.ShardField, Value: s.ShardKey}, {Key: "_id", Value: id}}

	switch entry.Op {
	case oplog.OpInsert:
		var sourceDoc bson.Raw
		err := s.Source.FindOne(ctx, shardSelector).Decode(&sourceDoc)
		if err == mongo.ErrNoDocuments {
			return nil
		}
		if err != nil {
			return fmt.Errorf("check source for insert replay: %w", err)
		}
		_, err = s.Target.InsertOne(ctx, entry.Object)
		if mongo.IsDuplicateKeyError(err) {
			// The copy phase (or an earlier replay pass) already put this
			// document on the target; that's the expected steady state,
			// not a failure.
			return nil
		}
		return err

	case oplog.OpUpdate:
		var sourceDoc bson.Raw
		err := s.Source.FindOne(ctx, shardSelector).Decode(&sourceDoc)
		if err == mongo.ErrNoDocuments {
			// Source has since been deleted; a later delete entry for this
			// _id will remove it from the target, so nothing to do here.
			return nil
		}
		if err != nil {
			return fmt.Errorf("check source for update replay: %w", err)
		}
		if bytes.Equal(sourceDoc, entry.Object) {
			return nil
		}
		// Unacknowledged on purpose: this replace is racing the next oplog
		// entry for the same _id, not a reader, so waiting on durability
		// here only slows down catch-up without buying correctness.
		target, err := s.targetUnacknowledged()
		if err != nil {
			return err
		}
		_, err = target.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, sourceDoc,
			options.Replace().SetUpsert(true))
		return err

	case oplog.OpDelete:
		var existing bson.Raw
		err := s.Target.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&existing)
		if err == mongo.ErrNoDocuments {
			return nil
		}
		if err != nil {
			return fmt.Errorf("check target for delete replay: %w", err)
		}
		_, err = s.Target.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
		return err

	default:
		return nil
	}
}
