// Package copier implements the bulk-copy phase of a shard migration:
// scanning the source shard in (shard_field, _id) order and upserting it
// into the destination in throttled, live-tunable batches.
package copier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/block/shardmove/pkg/manager"
	"github.com/block/shardmove/pkg/metrics"
	"github.com/block/shardmove/pkg/mgerrors"
	"github.com/siddontang/loggers"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Copier copies every document matching one shard key from Source to
// Target, reporting progress through Manager and Sink.
type Copier struct {
	Source     *mongo.Collection
	Target     *mongo.Collection
	ShardField string
	ShardKey   any
	Manager    *manager.Manager
	Sink       metrics.Sink
	RealmName  string
	Logger     loggers.Advanced
}

// Run scans Source for documents where ShardField equals ShardKey and
// upserts them into Target in manager-tunable batches, re-reading the
// batch size and throttle once per batch boundary so a live tuning change
// takes effect on the next batch, never mid-batch.
func (c *Copier) Run(ctx context.Context) error {
	targetKey, err := sniffShardKey(ctx, c.Target)
	if err != nil {
		return fmt.Errorf("sniff target shard key: %w", err)
	}

	sortHint, err := shardFieldIDIndex(ctx, c.Source, c.ShardField)
	if err != nil {
		return fmt.Errorf("look up shard field index: %w", err)
	}

	findOpts := options.Find().SetNoCursorTimeout(true)
	if sortHint != nil {
		findOpts.SetSort(sortHint).SetHint(sortHint)
	}
	cur, err := c.Source.Find(ctx, bson.D{{Key: c.ShardField, Value: c.ShardKey}}, findOpts)
	if err != nil {
		return fmt.Errorf("open copy cursor: %w", err)
	}
	defer cur.Close(ctx)

	var batch []bson.Raw
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		timer := metrics.NewTimer(c.Sink, c.RealmName, "copy")
		defer timer.Stop()

		n, err := bulkUpsert(ctx, c.Target, batch, targetKey, c.Logger)
		if err != nil {
			return err
		}
		c.Manager.IncInserted(n)
		c.Sink.IncInserted(c.RealmName, n)
		batch = batch[:0]

		throttle := c.Manager.InsertThrottle()
		if throttle > 0 {
			select {
			case <-time.After(throttle):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	for cur.Next(ctx) {
		batch = append(batch, append(bson.Raw(nil), cur.Current...))
		if len(batch) >= c.Manager.InsertBatchSize() {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("copy cursor error: %w", err)
	}
	return flush()
}

// sniffShardKey returns the destination's mongos shard key, read from
// config.collections, falling back to _id if the destination isn't a
// sharded cluster or the lookup fails for any reason — the upsert is still
// correct against _id, it just can't exploit the destination's own shard
// key to route the upsert efficiently.
func sniffShardKey(ctx context.Context, target *mongo.Collection) ([]string, error) {
	ns := fmt.Sprintf("%s.%s", target.Database().Name(), target.Name())
	var info struct {
		Key bson.Raw `bson:"key"`
	}
	err := target.Database().Client().Database("config").Collection("collections").
		FindOne(ctx, bson.D{{Key: "_id", Value: ns}, {Key: "dropped", Value: false}}).Decode(&info)
	if err != nil {
		return []string{"_id"}, nil //nolint:nilerr // absence of sharding info is not an error
	}
	elems, err := info.Key.Elements()
	if err != nil || len(elems) == 0 {
		return []string{"_id"}, nil
	}
	keys := make([]string, 0, len(elems))
	for _, e := range elems {
		keys = append(keys, e.Key())
	}
	return keys, nil
}

// shardFieldIDIndex checks for an index on (shardField, _id) and, if found,
// returns it as a sort/hint document. Without this index the scan runs
// with no sort and no hint; check.shardFieldIndexedCheck fails preflight
// only when no index at all starts with the shard field.
func shardFieldIDIndex(ctx context.Context, coll *mongo.Collection, shardField string) (bson.D, error) {
	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	want := bson.D{{Key: shardField, Value: int32(1)}, {Key: "_id", Value: int32(1)}}
	for cur.Next(ctx) {
		var idx struct {
			Key bson.D `bson:"key"`
		}
		if err := cur.Decode(&idx); err != nil {
			return nil, err
		}
		if sameKeyOrder(idx.Key, want) {
			return want, nil
		}
	}
	return nil, cur.Err()
}

func sameKeyOrder(a, b bson.D) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key {
			return false
		}
	}
	return true
}

// bulkUpsert upserts each document in batch into target, keyed by
// targetKey's fields (falling back to whatever subset of those fields the
// document has). Ordered so that later duplicates detected during the
// oplog pass settle deterministically. Duplicates seen here are a direct
// consequence of reading a live collection during copy; the subsequent
// oplog sync corrects anything that changed mid-scan.
func bulkUpsert(ctx context.Context, target *mongo.Collection, batch []bson.Raw, targetKey []string, logger loggers.Advanced) (int, error) {
	models := make([]mongo.WriteModel, 0, len(batch))
	for _, doc := range batch {
		selector := pick(doc, targetKey)
		update := bson.D{{Key: "$set", Value: withoutID(doc)}}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(selector).SetUpdate(update).SetUpsert(true))
	}
	res, err := target.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) {
			if logger != nil {
				logger.Errorf("bulk upsert into %s failed: %+v", target.Name(), bwe)
			}
			return 0, &mgerrors.BulkWriteError{Namespace: target.Name(), Detail: &bwe}
		}
		return 0, fmt.Errorf("bulk upsert into %s: %w", target.Name(), err)
	}
	return int(res.UpsertedCount + res.ModifiedCount), nil
}

func pick(doc bson.Raw, keys []string) bson.D {
	sel := make(bson.D, 0, len(keys))
	for _, k := range keys {
		if v := doc.Lookup(k); v.Value != nil {
			sel = append(sel, bson.E{Key: k, Value: v})
		}
	}
	if len(sel) == 0 {
		if v := doc.Lookup("_id"); v.Value != nil {
			sel = append(sel, bson.E{Key: "_id", Value: v})
		}
	}
	return sel
}

func withoutID(doc bson.Raw) bson.D {
	elems, err := doc.Elements()
	if err != nil {
		return nil
	}
	out := make(bson.D, 0, len(elems))
	for _, e := range elems {
		if e.Key() == "_id" {
			continue
		}
		out = append(out, bson.E{Key: e.Key(), Value: e.Value()})
	}
	return out
}
