package check

import (
	"context"
	"fmt"

	"github.com/siddontang/loggers"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func init() {
	registerCheck("shard-field-indexed", ScopePreflight, shardFieldIndexedCheck)
}

// shardFieldIndexedCheck confirms the realm's collection has an index
// starting with the shard field on the source cluster. Without one, the
// copy and delete engines' scans degrade to full collection scans and the
// migration won't finish in any predictable time.
func shardFieldIndexedCheck(ctx context.Context, r Resources, logger loggers.Advanced) error {
	if r.SourceClient == nil {
		return fmt.Errorf("no source client configured")
	}
	db := r.SourceClient.Database(sourceDatabaseName(r))
	ok, err := IndexedOn(ctx, db.Collection(r.Realm.CollectionName), r.Realm.ShardField)
	if err != nil {
		return fmt.Errorf("list indexes on %s: %w", r.Realm.CollectionName, err)
	}
	if !ok {
		return fmt.Errorf("collection %s has no index starting with shard field %q", r.Realm.CollectionName, r.Realm.ShardField)
	}
	return nil
}

// sourceDatabaseName exists so this check can be exercised against whatever
// database Resources points its SourceClient at, without the check package
// needing to know about location.Location.
func sourceDatabaseName(r Resources) string {
	return r.SourceDatabase
}

// IndexedOn reports whether coll has an index whose key document's first
// field is field. The copier does not call it; it looks up the exact
// (shard field, _id) index itself.
func IndexedOn(ctx context.Context, coll *mongo.Collection, field string) (bool, error) {
	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		return false, err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var idx struct {
			Key bson.Raw `bson:"key"`
		}
		if err := cur.Decode(&idx); err != nil {
			return false, err
		}
		elems, err := idx.Key.Elements()
		if err != nil || len(elems) == 0 {
			continue
		}
		if elems[0].Key() == field {
			return true, nil
		}
	}
	return false, cur.Err()
}
