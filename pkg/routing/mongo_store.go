package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/block/shardmove/pkg/mgerrors"
	"github.com/block/shardmove/pkg/realm"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// nextStatus maps a migration phase to the phase that must follow it.
// SetShardToMigrationStatus rejects any transition not listed here.
var nextStatus = map[realm.Status]realm.Status{
	realm.StatusMigratingCopy:                     realm.StatusMigratingSync,
	realm.StatusMigratingSync:                     realm.StatusPostMigrationPausedAtDestination,
	realm.StatusPostMigrationPausedAtDestination:  realm.StatusPostMigrationDelete,
}

const (
	realmsCollection = "realms"
	shardsCollection = "shards"
	defaultCachingDuration = 60 * time.Second
)

type realmDoc struct {
	Name           string `bson:"_id"`
	CollectionName string `bson:"collection_name"`
	ShardField     string `bson:"shard_field"`
}

type shardKeyDoc struct {
	Realm    string `bson:"realm"`
	ShardKey any    `bson:"shard_key"`
}

type shardDoc struct {
	ID          shardKeyDoc `bson:"_id"`
	Status      int32       `bson:"status"`
	Location    string      `bson:"location"`
	NewLocation string      `bson:"new_location"`
}

// MongoStore backs Store with the realms and shards collections of the
// configuration database.
type MongoStore struct {
	db              *mongo.Database
	cachingDuration time.Duration
}

// NewMongoStore builds a MongoStore over db's realms/shards collections.
// cachingDuration, if zero, defaults to defaultCachingDuration.
func NewMongoStore(db *mongo.Database, cachingDuration time.Duration) *MongoStore {
	if cachingDuration <= 0 {
		cachingDuration = defaultCachingDuration
	}
	return &MongoStore{db: db, cachingDuration: cachingDuration}
}

func (s *MongoStore) GetRealmForCollection(ctx context.Context, collectionName string) (realm.Realm, error) {
	var doc realmDoc
	err := s.db.Collection(realmsCollection).FindOne(ctx, bson.D{{Key: "collection_name", Value: collectionName}}).Decode(&doc)
	if err != nil {
		return realm.Realm{}, fmt.Errorf("no realm governs collection %q: %w", collectionName, err)
	}
	return realm.Realm{Name: doc.Name, CollectionName: doc.CollectionName, ShardField: doc.ShardField}, nil
}

func (s *MongoStore) GetShard(ctx context.Context, realmName string, shardKey any) (realm.ShardMeta, error) {
	var doc shardDoc
	id := shardKeyDoc{Realm: realmName, ShardKey: shardKey}
	err := s.db.Collection(shardsCollection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return realm.ShardMeta{Realm: realmName, ShardKey: shardKey, Status: realm.StatusAtRest}, nil
	}
	if err != nil {
		return realm.ShardMeta{}, fmt.Errorf("get shard metadata: %w", err)
	}
	return realm.ShardMeta{
		Realm:       realmName,
		ShardKey:    shardKey,
		Status:      realm.Status(doc.Status),
		Location:    doc.Location,
		NewLocation: doc.NewLocation,
	}, nil
}

func (s *MongoStore) AreMigrationsHappening(ctx context.Context) (bool, error) {
	n, err := s.db.Collection(shardsCollection).CountDocuments(ctx,
		bson.D{{Key: "status", Value: bson.D{{Key: "$ne", Value: int32(realm.StatusAtRest)}}}},
		options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count in-progress migrations: %w", err)
	}
	return n > 0, nil
}

func (s *MongoStore) GetCachingDuration(ctx context.Context) (time.Duration, error) {
	return s.cachingDuration, nil
}

func (s *MongoStore) StartMigration(ctx context.Context, collectionName string, shardKey, newLocation any) error {
	happening, err := s.AreMigrationsHappening(ctx)
	if err != nil {
		return err
	}
	if happening {
		return mgerrors.ErrConcurrencyConflict
	}

	r, err := s.GetRealmForCollection(ctx, collectionName)
	if err != nil {
		return err
	}

	id := shardKeyDoc{Realm: r.Name, ShardKey: shardKey}
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: int32(realm.StatusAtRest)},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: int32(realm.StatusMigratingCopy)},
		{Key: "new_location", Value: fmt.Sprintf("%v", newLocation)},
	}}}
	opts := options.Update().SetUpsert(true)
	res, err := s.db.Collection(shardsCollection).UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("start migration: %w", err)
	}
	if res.UpsertedCount == 0 && res.ModifiedCount == 0 && res.MatchedCount == 0 {
		return mgerrors.Precondition("start-migration", realm.StatusAtRest)
	}
	return nil
}

func (s *MongoStore) SetShardToMigrationStatus(ctx context.Context, collectionName string, shardKey any, status realm.ShardStatus) error {
	r, err := s.GetRealmForCollection(ctx, collectionName)
	if err != nil {
		return err
	}

	current, err := s.GetShard(ctx, r.Name, shardKey)
	if err != nil {
		return err
	}
	want, ok := nextStatus[current.Status]
	if !ok || want != status {
		return mgerrors.Precondition(status.String(), current.Status)
	}

	id := shardKeyDoc{Realm: r.Name, ShardKey: shardKey}
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: int32(current.Status)},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: int32(status)}}}}
	res, err := s.db.Collection(shardsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("advance shard status: %w", err)
	}
	if res.MatchedCount == 0 {
		return mgerrors.ErrPrecondition
	}
	return nil
}

func (s *MongoStore) SetShardAtRest(ctx context.Context, collectionName string, shardKey any, location string, force bool) error {
	r, err := s.GetRealmForCollection(ctx, collectionName)
	if err != nil {
		return err
	}

	id := shardKeyDoc{Realm: r.Name, ShardKey: shardKey}
	filter := bson.D{{Key: "_id", Value: id}}
	if !force {
		filter = append(filter, bson.E{Key: "status", Value: int32(realm.StatusPostMigrationDelete)})
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: int32(realm.StatusAtRest)},
		{Key: "location", Value: location},
		{Key: "new_location", Value: ""},
	}}}
	opts := options.Update().SetUpsert(true)
	res, err := s.db.Collection(shardsCollection).UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("set shard at rest: %w", err)
	}
	if !force && res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return mgerrors.ErrPrecondition
	}
	return nil
}
