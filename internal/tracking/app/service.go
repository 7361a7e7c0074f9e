// Package app orchestrates the tracking use cases behind the surface the
// dashboard consumes: registry loading, position refresh, selection handling
// and the realtime subscription.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tracker-monitor/internal/common/contextx"
	"tracker-monitor/internal/common/log"
	"tracker-monitor/internal/tracking/cache"
	"tracker-monitor/internal/tracking/domain"
	"tracker-monitor/internal/tracking/store"
	"tracker-monitor/internal/tracking/stream"
)

// Service is constructed once per process and passed by reference to
// whichever layer needs it; there is no ambient global.
type Service struct {
	logger *slog.Logger
	store  *store.VehicleStore
	cache  *cache.PositionCache
	comms  domain.CommunicationsFetcher
	fleet  domain.FleetSource
	stream *stream.Client
}

func NewService(
	logger *slog.Logger,
	st *store.VehicleStore,
	pc *cache.PositionCache,
	comms domain.CommunicationsFetcher,
	fleet domain.FleetSource,
	sc *stream.Client,
) *Service {
	return &Service{
		logger: logger,
		store:  st,
		cache:  pc,
		comms:  comms,
		fleet:  fleet,
		stream: sc,
	}
}

// LoadVehicles pulls the registry and installs it in the store.
func (s *Service) LoadVehicles(ctx context.Context) error {
	vehicles, err := s.fleet.ListVehicles(ctx)
	if err != nil {
		return fmt.Errorf("load vehicles: %w", err)
	}
	s.store.SetVehicles(vehicles)
	log.Info(ctx, s.logger, "vehicles_loaded", fmt.Sprintf("Loaded %d vehicles", len(vehicles)))
	return nil
}

// LoadVehiclePositions refreshes last-known positions for every device the
// store tracks: one bulk communications call, then the per-device polling
// path for whatever the bulk response did not cover. Partial failure is
// normal; devices that yield nothing simply receive no update this tick.
func (s *Service) LoadVehiclePositions(ctx context.Context) error {
	deviceIDs := s.store.DeviceIDs()
	if len(deviceIDs) == 0 {
		log.Info(ctx, s.logger, "positions_load_skipped", "No devices to load positions for")
		return nil
	}

	covered := make(map[string]bool, len(deviceIDs))
	records, err := s.comms.FetchLatestCommunications(ctx, deviceIDs)
	if err != nil {
		log.Warn(ctx, s.logger, "communications_fetch_failed",
			"Bulk communications unavailable, falling back to per-device polling: "+err.Error())
	} else {
		for _, pos := range records {
			if pos.DeviceID == "" {
				continue
			}
			s.store.MergePosition(pos.DeviceID, pos)
			covered[pos.DeviceID] = true
		}
	}

	remaining := make([]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if !covered[id] {
			remaining = append(remaining, id)
		}
	}
	for _, pos := range s.cache.GetMany(ctx, remaining) {
		if pos.DeviceID != "" {
			s.store.MergePosition(pos.DeviceID, pos)
		}
	}
	return nil
}

// UpdateVehiclePosition refreshes a single device through the cache and
// merges the result.
func (s *Service) UpdateVehiclePosition(ctx context.Context, deviceID string) (domain.NormalizedPosition, error) {
	ctx = contextx.WithDeviceID(ctx, deviceID)
	pos, err := s.cache.Get(ctx, deviceID)
	if err != nil {
		log.Error(ctx, s.logger, "position_update_failed", "Failed to fetch position", err)
		return domain.NormalizedPosition{}, err
	}
	s.store.MergePosition(deviceID, pos)
	return pos, nil
}

// RefreshPositions drops the cache and reloads everything. Wired to manual
// refresh and logout.
func (s *Service) RefreshPositions(ctx context.Context) error {
	s.cache.Clear()
	return s.LoadVehiclePositions(ctx)
}

// ConnectToRealtimeStream subscribes to push updates. A nil or empty device
// set subscribes to every device the store knows; if there are none, the
// call is a logged no-op that returns no handle.
func (s *Service) ConnectToRealtimeStream(ctx context.Context, deviceIDs []string, onUpdate stream.UpdateFunc, onError stream.ErrorFunc) (*stream.Handle, error) {
	if s.stream == nil {
		return nil, errors.New("realtime stream is not configured")
	}
	if len(deviceIDs) == 0 {
		deviceIDs = s.store.DeviceIDs()
	}
	h, err := s.stream.Connect(ctx, deviceIDs, onUpdate, onError)
	if errors.Is(err, domain.ErrEmptyDeviceSet) {
		return nil, nil
	}
	return h, err
}

// ----- selection operations -----

func (s *Service) ToggleVehicleSelection(vehicleID string) { s.store.ToggleSelection(vehicleID) }

func (s *Service) SelectAllVehicles() { s.store.SelectAll() }

func (s *Service) ClearSelection() { s.store.ClearSelection() }

// ----- read views -----

func (s *Service) Vehicles() []domain.Vehicle { return s.store.Vehicles() }

func (s *Service) ActiveVehicles() []domain.Vehicle { return s.store.ActiveVehicles() }

func (s *Service) Positions() map[string]domain.NormalizedPosition { return s.store.Positions() }

func (s *Service) Selection() []string { return s.store.Selection() }

func (s *Service) SelectedCount() int { return s.store.SelectedCount() }

func (s *Service) CacheStats() domain.CacheStats { return s.cache.Stats() }
