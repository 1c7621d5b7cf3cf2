package check

import (
	"context"
	"errors"
	"testing"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestScopeString(t *testing.T) {
	require.Equal(t, "preflight", ScopePreflight.String())
	require.Equal(t, "cutover", ScopeCutover.String())
}

func withFreshRegistry(t *testing.T) {
	t.Helper()
	saved := registry
	registry = nil
	t.Cleanup(func() { registry = saved })
}

func TestRunChecksPassesWhenAllChecksSucceed(t *testing.T) {
	withFreshRegistry(t)
	var ran []string
	registerCheck("first", ScopePreflight, func(ctx context.Context, r Resources, logger loggers.Advanced) error {
		ran = append(ran, "first")
		return nil
	})
	registerCheck("second", ScopePreflight, func(ctx context.Context, r Resources, logger loggers.Advanced) error {
		ran = append(ran, "second")
		return nil
	})

	err := RunChecks(context.Background(), Resources{}, logrus.New(), ScopePreflight)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, ran)
}

func TestRunChecksStopsAtFirstFailure(t *testing.T) {
	withFreshRegistry(t)
	var ran []string
	registerCheck("first", ScopePreflight, func(ctx context.Context, r Resources, logger loggers.Advanced) error {
		ran = append(ran, "first")
		return errors.New("boom")
	})
	registerCheck("second", ScopePreflight, func(ctx context.Context, r Resources, logger loggers.Advanced) error {
		ran = append(ran, "second")
		return nil
	})

	err := RunChecks(context.Background(), Resources{}, logrus.New(), ScopePreflight)
	require.Error(t, err)
	require.Equal(t, []string{"first"}, ran)
}

func TestRunChecksReportsWhichCheckFailed(t *testing.T) {
	withFreshRegistry(t)
	registerCheck("always-fails", ScopePreflight, func(ctx context.Context, r Resources, logger loggers.Advanced) error {
		return errors.New("boom")
	})

	err := RunChecks(context.Background(), Resources{}, logrus.New(), ScopePreflight)
	require.ErrorContains(t, err, "always-fails")
	require.ErrorContains(t, err, "boom")
}

func TestRunChecksIgnoresOtherScopes(t *testing.T) {
	withFreshRegistry(t)
	registerCheck("cutover-only", ScopeCutover, func(ctx context.Context, r Resources, logger loggers.Advanced) error {
		return errors.New("should not run")
	})

	err := RunChecks(context.Background(), Resources{}, logrus.New(), ScopePreflight)
	require.NoError(t, err)
}
