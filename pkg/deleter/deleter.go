// Package deleter implements the post-migration delete phase: removing a
// shard's documents from the source once the destination is authoritative.
package deleter

import (
	"context"
	"fmt"
	"time"

	"github.com/block/shardmove/pkg/manager"
	"github.com/block/shardmove/pkg/metrics"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Deleter removes every document matching ShardKey from Target, having
// read the _ids to delete from Read (the hidden secondary on the first
// pass, the primary on the confirming second pass).
type Deleter struct {
	Read       *mongo.Collection
	Target     *mongo.Collection
	ShardField string
	ShardKey   any
	Manager    *manager.Manager
	Sink       metrics.Sink
	RealmName  string
}

// Run scans Read for _ids matching ShardKey and deletes them from Target in
// manager-tunable batches, re-reading batch size and throttle once per
// batch boundary. Calling Run twice — once with Read set to the hidden
// secondary, once with Read set to the primary — is the two-pass delete:
// the first pass does the bulk of the work off the primary, the second
// catches anything written between the first pass's scan and cutover.
func (d *Deleter) Run(ctx context.Context) error {
	findOpts := options.Find().
		SetNoCursorTimeout(true).
		SetProjection(bson.D{{Key: "_id", Value: 1}})
	if sortHint, err := shardFieldIDIndex(ctx, d.Read, d.ShardField); err == nil && sortHint != nil {
		findOpts.SetSort(sortHint).SetHint(sortHint)
	}
	cur, err := d.Read.Find(ctx, bson.D{{Key: d.ShardField, Value: d.ShardKey}}, findOpts)
	if err != nil {
		return fmt.Errorf("open delete-scan cursor: %w", err)
	}
	defer cur.Close(ctx)

	var ids []any
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		timer := metrics.NewTimer(d.Sink, d.RealmName, "delete")
		defer timer.Stop()

		res, err := d.Target.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
		if err != nil {
			return fmt.Errorf("delete batch: %w", err)
		}
		d.Manager.IncDeleted(int(res.DeletedCount))
		d.Sink.IncDeleted(d.RealmName, int(res.DeletedCount))
		ids = ids[:0]

		throttle := d.Manager.DeleteThrottle()
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
		var holder struct {
			ID any `bson:"_id"`
		}
		if err := cur.Decode(&holder); err != nil {
			return fmt.Errorf("decode delete candidate: %w", err)
		}
		ids = append(ids, holder.ID)
		if len(ids) >= d.Manager.DeleteBatchSize() {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("delete-scan cursor error: %w", err)
	}
	return flush()
}

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
		if len(idx.Key) == len(want) {
			match := true
			for i := range want {
				if idx.Key[i].Key != want[i].Key {
					match = false
					break
				}
			}
			if match {
				return want, nil
			}
		}
	}
	return nil, cur.Err()
}
