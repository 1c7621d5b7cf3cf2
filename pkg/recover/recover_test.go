package recover

import (
	"context"
	"testing"
	"time"

	"github.com/block/shardmove/pkg/realm"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	realmFor map[string]realm.Realm
	shards   map[string]realm.ShardMeta
}

func (f *fakeStore) GetRealmForCollection(ctx context.Context, collectionName string) (realm.Realm, error) {
	r, ok := f.realmFor[collectionName]
	if !ok {
		return realm.Realm{}, errNotFound
	}
	return r, nil
}

func (f *fakeStore) GetShard(ctx context.Context, realmName string, shardKey any) (realm.ShardMeta, error) {
	m, ok := f.shards[realmName]
	if !ok {
		return realm.ShardMeta{Realm: realmName, ShardKey: shardKey, Status: realm.StatusAtRest}, nil
	}
	return m, nil
}

func (f *fakeStore) AreMigrationsHappening(ctx context.Context) (bool, error) { return false, nil }
func (f *fakeStore) GetCachingDuration(ctx context.Context) (time.Duration, error) {
	return time.Second, nil
}
func (f *fakeStore) StartMigration(ctx context.Context, collectionName string, shardKey, newLocation any) error {
	return nil
}
func (f *fakeStore) SetShardToMigrationStatus(ctx context.Context, collectionName string, shardKey any, status realm.ShardStatus) error {
	return nil
}
func (f *fakeStore) SetShardAtRest(ctx context.Context, collectionName string, shardKey any, location string, force bool) error {
	m := f.shards[collectionName]
	m.Status = realm.StatusAtRest
	m.Location = location
	f.shards[collectionName] = m
	return nil
}

var errNotFound = errFixed("realm not found")

type errFixed string

func (e errFixed) Error() string { return string(e) }

func TestAbortBeforeDeleteRejectsAtRestShard(t *testing.T) {
	store := &fakeStore{
		realmFor: map[string]realm.Realm{"accounts": {Name: "accounts", CollectionName: "accounts", ShardField: "account_id"}},
		shards:   map[string]realm.ShardMeta{"accounts": {Status: realm.StatusAtRest}},
	}
	err := AbortBeforeDelete(context.Background(), store, nil, "accounts", 7, 500, 0)
	require.Error(t, err)
}

func TestAbortBeforeDeleteRejectsDeletePhaseShard(t *testing.T) {
	store := &fakeStore{
		realmFor: map[string]realm.Realm{"accounts": {Name: "accounts", CollectionName: "accounts", ShardField: "account_id"}},
		shards:   map[string]realm.ShardMeta{"accounts": {Status: realm.StatusPostMigrationDelete}},
	}
	err := AbortBeforeDelete(context.Background(), store, nil, "accounts", 7, 500, 0)
	require.ErrorContains(t, err, "ResumeDuringDelete")
}

func TestResumeDuringDeleteRejectsNonDeletePhaseShard(t *testing.T) {
	store := &fakeStore{
		realmFor: map[string]realm.Realm{"accounts": {Name: "accounts", CollectionName: "accounts", ShardField: "account_id"}},
		shards:   map[string]realm.ShardMeta{"accounts": {Status: realm.StatusMigratingCopy}},
	}
	err := ResumeDuringDelete(context.Background(), store, nil, "accounts", 7, 500, 0)
	require.Error(t, err)
}
