package deleter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/block/shardmove/pkg/manager"
	"github.com/block/shardmove/pkg/metrics"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func connectTestDB(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("SHARDMOVE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("skipping: SHARDMOVE_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client.Database("shardmove_deleter_test")
}

func TestRunDeletesMatchingShardKeyOnly(t *testing.T) {
	db := connectTestDB(t)
	ctx := context.Background()
	coll := db.Collection("accounts")
	t.Cleanup(func() { _ = coll.Drop(ctx) })

	_, err := coll.InsertMany(ctx, []any{
		bson.D{{Key: "_id", Value: 1}, {Key: "account_id", Value: 7}},
		bson.D{{Key: "_id", Value: 2}, {Key: "account_id", Value: 7}},
		bson.D{{Key: "_id", Value: 3}, {Key: "account_id", Value: 8}},
	})
	require.NoError(t, err)

	mgr := manager.New(manager.Config{DeleteBatchSize: 1000}, nil)
	d := &Deleter{
		Read:       coll,
		Target:     coll,
		ShardField: "account_id",
		ShardKey:   7,
		Manager:    mgr,
		Sink:       &metrics.NoopSink{},
		RealmName:  "accounts",
	}
	require.NoError(t, d.Run(ctx))

	n, err := coll.CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.EqualValues(t, 2, mgr.Deleted())
}
