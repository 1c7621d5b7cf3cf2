package check

import (
	"context"
	"fmt"

	"github.com/siddontang/loggers"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func init() {
	registerCheck("source-reachable", ScopePreflight, sourceReachableCheck)
	registerCheck("destination-reachable", ScopePreflight, destReachableCheck)
}

func sourceReachableCheck(ctx context.Context, r Resources, logger loggers.Advanced) error {
	if r.SourceClient == nil {
		return fmt.Errorf("no source client configured")
	}
	if err := r.SourceClient.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping source primary: %w", err)
	}
	return nil
}

func destReachableCheck(ctx context.Context, r Resources, logger loggers.Advanced) error {
	if r.DestClient == nil {
		return fmt.Errorf("no destination client configured")
	}
	if err := r.DestClient.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping destination primary: %w", err)
	}
	return nil
}
