package migration

import (
	"testing"

	"github.com/block/shardmove/pkg/realm"
	"github.com/stretchr/testify/require"
)

func TestConfigSetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	require.Equal(t, 1000, cfg.InsertBatchSize)
	require.Equal(t, 1000, cfg.DeleteBatchSize)

	cfg = Config{InsertBatchSize: 50, DeleteBatchSize: 75}
	cfg.setDefaults()
	require.Equal(t, 50, cfg.InsertBatchSize)
	require.Equal(t, 75, cfg.DeleteBatchSize)
}

func TestStateToStatus(t *testing.T) {
	cases := map[migrationState]realm.Status{
		stateCopy:   realm.StatusMigratingCopy,
		stateSync:   realm.StatusMigratingSync,
		statePaused: realm.StatusPostMigrationPausedAtDestination,
		stateDelete: realm.StatusPostMigrationDelete,
		stateAtRest: realm.StatusAtRest,
		stateInitial: realm.StatusAtRest,
	}
	for s, want := range cases {
		require.Equal(t, want, stateToStatus(s))
	}
}

func TestMigrationStateString(t *testing.T) {
	require.Equal(t, "copy", stateCopy.String())
	require.Equal(t, "unknown", migrationState(999).String())
}
