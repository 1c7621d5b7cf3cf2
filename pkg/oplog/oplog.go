// Package oplog reads and tails a MongoDB cluster's replication log
// (local.oplog.rs), decoding the insert/update/delete entries the sync
// engine needs and enforcing the oplog-retention guard of §4.3.
package oplog

import (
	"context"
	"fmt"

	"github.com/block/shardmove/pkg/mgerrors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// OpKind is the oplog "op" field.
type OpKind string

const (
	OpInsert OpKind = "i"
	OpUpdate OpKind = "u"
	OpDelete OpKind = "d"
)

// Entry is one decoded oplog record. Object2 is only populated for updates,
// and carries the selector (including _id) the update was applied against.
type Entry struct {
	Timestamp primitive.Timestamp `bson:"ts"`
	Namespace string              `bson:"ns"`
	Op        OpKind              `bson:"op"`
	Object    bson.Raw            `bson:"o"`
	Object2   bson.Raw            `bson:"o2"`
}

// ID extracts the document _id this entry applies to. For inserts and
// deletes it comes from Object; for updates it comes from Object2, which
// carries the original selector.
func (e Entry) ID() (any, error) {
	var holder struct {
		ID any `bson:"_id"`
	}
	src := e.Object
	if e.Op == OpUpdate {
		src = e.Object2
	}
	if err := bson.Unmarshal(src, &holder); err != nil {
		return nil, fmt.Errorf("decode _id from oplog entry: %w", err)
	}
	return holder.ID, nil
}

const oplogCollection = "oplog.rs"
const localDB = "local"

// LatestTimestamp returns the ts of the most recently written oplog entry
// on client's read node. Recorded by the driver before copy begins so sync
// knows where to resume from.
func LatestTimestamp(ctx context.Context, client *mongo.Client) (primitive.Timestamp, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: -1}})
	var entry Entry
	err := client.Database(localDB).Collection(oplogCollection).FindOne(ctx, bson.D{}, opts).Decode(&entry)
	if err != nil {
		return primitive.Timestamp{}, fmt.Errorf("read latest oplog entry: %w", err)
	}
	return entry.Timestamp, nil
}

// StillContainsTimestamp reports whether pos is still within the oplog's
// retention window, i.e. the oldest entry's ts <= pos. If this is false,
// the copy phase ran longer than the oplog retains history and the sync
// phase cannot safely resume: the migration must fail with
// ErrOplogWindowMissed so an operator can retry with a longer oplog or a
// faster copy.
func StillContainsTimestamp(ctx context.Context, client *mongo.Client, pos primitive.Timestamp) (bool, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "$natural", Value: 1}})
	var oldest Entry
	err := client.Database(localDB).Collection(oplogCollection).FindOne(ctx, bson.D{}, opts).Decode(&oldest)
	if err != nil {
		return false, fmt.Errorf("read oldest oplog entry: %w", err)
	}
	return compareTimestamp(oldest.Timestamp, pos) <= 0, nil
}

func compareTimestamp(a, b primitive.Timestamp) int {
	switch {
	case a.T != b.T:
		if a.T < b.T {
			return -1
		}
		return 1
	case a.I != b.I:
		if a.I < b.I {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Cursor wraps the tailable cursor returned by Tail, so callers don't need
// to import the driver's cursor type directly.
type Cursor struct {
	cur *mongo.Cursor
}

// Next blocks (up to the driver's await timeout) for the next entry. It
// returns false when the context is done or the cursor errors.
func (c *Cursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

// Decode decodes the current entry.
func (c *Cursor) Decode(e *Entry) error {
	return c.cur.Decode(e)
}

// Err returns any error encountered by the cursor.
func (c *Cursor) Err() error {
	return c.cur.Err()
}

// Close releases the underlying cursor. Must be called on every exit path.
func (c *Cursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

// Tail opens a tailable-await cursor on client's local.oplog.rs, filtered to
// entries at or after from on the given namespace ("db.collection"). The
// caller must Close the cursor on every exit path. Tail first checks (via
// StillContainsTimestamp) that from is still in the oplog's retention
// window and returns ErrOplogWindowMissed if it is not.
func Tail(ctx context.Context, client *mongo.Client, namespace string, from primitive.Timestamp) (*Cursor, error) {
	ok, err := StillContainsTimestamp(ctx, client, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, mgerrors.ErrOplogWindowMissed
	}
	filter := bson.D{
		{Key: "ts", Value: bson.D{{Key: "$gte", Value: from}}},
		{Key: "ns", Value: namespace},
	}
	opts := options.Find().
		SetCursorType(options.TailableAwait).
		SetNoCursorTimeout(true)
	cur, err := client.Database(localDB).Collection(oplogCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("tail oplog for %s: %w", namespace, err)
	}
	return &Cursor{cur: cur}, nil
}
