package domain

import (
	"context"
)

// PositionFetcher pulls the last known position for a single device from the
// polling endpoint.
type PositionFetcher interface {
	FetchPosition(ctx context.Context, deviceID string) (NormalizedPosition, error)
}

// CommunicationsFetcher pulls the latest communication records for a set of
// devices in one round trip.
type CommunicationsFetcher interface {
	FetchLatestCommunications(ctx context.Context, deviceIDs []string) ([]NormalizedPosition, error)
}

// FleetSource lists the vehicles tracked during this session. Implemented by
// the fleet HTTP API client and by the Postgres registry adapter.
type FleetSource interface {
	ListVehicles(ctx context.Context) ([]Vehicle, error)
}

// MergeSink receives normalized positions from any producer (poll, stream or
// queue) and applies them to the shared state.
type MergeSink interface {
	MergePosition(deviceID string, pos NormalizedPosition)
}
