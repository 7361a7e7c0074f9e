// Package store holds the shared vehicle/position/selection state. It is the
// only cross-component mutable resource; every mutation goes through the
// operations defined here and readers always get snapshot copies.
package store

import (
	"log/slog"
	"sync"
	"time"

	"tracker-monitor/internal/tracking/domain"
)

// subscriber channels are buffered; a consumer that falls this far behind
// loses events instead of blocking the writer.
const subscriberBuffer = 64

type VehicleStore struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	vehicles  []domain.Vehicle // insertion order is meaningful for display
	byDevice  map[string][]int
	positions map[string]domain.NormalizedPosition
	selection map[string]struct{}

	subMu   sync.Mutex
	subs    map[int]chan domain.PositionEvent
	nextSub int
}

func New(logger *slog.Logger) *VehicleStore {
	return &VehicleStore{
		logger:    logger,
		now:       time.Now,
		byDevice:  make(map[string][]int),
		positions: make(map[string]domain.NormalizedPosition),
		selection: make(map[string]struct{}),
		subs:      make(map[int]chan domain.PositionEvent),
	}
}

// SetVehicles replaces the vehicle list, keeping insertion order. Positions
// already merged for a device are re-attached to the new entries.
func (s *VehicleStore) SetVehicles(vehicles []domain.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vehicles = make([]domain.Vehicle, len(vehicles))
	copy(s.vehicles, vehicles)
	s.byDevice = make(map[string][]int)
	for i := range s.vehicles {
		devID := s.vehicles[i].DeviceID
		if devID == "" {
			continue
		}
		s.byDevice[devID] = append(s.byDevice[devID], i)
		if pos, ok := s.positions[devID]; ok {
			p := pos
			s.vehicles[i].Position = &p
			s.vehicles[i].Status = pos.Status
		}
	}

	// selection may reference vehicles that no longer exist
	known := make(map[string]struct{}, len(s.vehicles))
	for i := range s.vehicles {
		known[s.vehicles[i].ID] = struct{}{}
	}
	for id := range s.selection {
		if _, ok := known[id]; !ok {
			delete(s.selection, id)
		}
	}
}

// MergePosition atomically upserts the position map and updates every vehicle
// whose DeviceID matches exactly. The position is kept even when no vehicle
// matches. Within one device the most recent merge wins; readers never see a
// half-applied merge.
func (s *VehicleStore) MergePosition(deviceID string, pos domain.NormalizedPosition) {
	if deviceID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pos.DeviceID = deviceID
	if pos.CapturedAt.IsZero() {
		pos.CapturedAt = s.now()
	}
	s.positions[deviceID] = pos
	for _, i := range s.byDevice[deviceID] {
		p := pos
		s.vehicles[i].Position = &p
		s.vehicles[i].Status = pos.Status
	}

	// published under the write lock so subscribers see events in the exact
	// order the merges were applied; sends are non-blocking, so holding the
	// lock here cannot stall the writer
	s.publish(domain.PositionEvent{DeviceID: deviceID, Position: pos})
}

// Vehicles returns a snapshot of the vehicle list in display order.
func (s *VehicleStore) Vehicles() []domain.Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Vehicle, len(s.vehicles))
	copy(out, s.vehicles)
	return out
}

// ActiveVehicles is the derived projection of vehicles whose latest telemetry
// carries valid coordinates.
func (s *VehicleStore) ActiveVehicles() []domain.Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Vehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		if v.Status == domain.StatusActive {
			out = append(out, v)
		}
	}
	return out
}

// Positions returns a snapshot of the device position map.
func (s *VehicleStore) Positions() map[string]domain.NormalizedPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.NormalizedPosition, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// Position returns the latest merged position for one device.
func (s *VehicleStore) Position(deviceID string) (domain.NormalizedPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[deviceID]
	return pos, ok
}

// DeviceIDs lists the device ids of all vehicles that carry one, in display
// order. This is the subscription set for the push stream.
func (s *VehicleStore) DeviceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.vehicles))
	out := make([]string, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		if v.DeviceID == "" {
			continue
		}
		if _, dup := seen[v.DeviceID]; dup {
			continue
		}
		seen[v.DeviceID] = struct{}{}
		out = append(out, v.DeviceID)
	}
	return out
}

// ToggleSelection flips one vehicle in or out of the selection set.
func (s *VehicleStore) ToggleSelection(vehicleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.selection[vehicleID]; ok {
		delete(s.selection, vehicleID)
		return
	}
	s.selection[vehicleID] = struct{}{}
}

// SelectAll captures the current vehicle id list; vehicles added later are
// not selected retroactively.
func (s *VehicleStore) SelectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = make(map[string]struct{}, len(s.vehicles))
	for _, v := range s.vehicles {
		s.selection[v.ID] = struct{}{}
	}
}

func (s *VehicleStore) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = make(map[string]struct{})
}

// Selection returns the selected vehicle ids in display order.
func (s *VehicleStore) Selection() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.selection))
	for _, v := range s.vehicles {
		if _, ok := s.selection[v.ID]; ok {
			out = append(out, v.ID)
		}
	}
	return out
}

// SelectedCount reports the selection size without copying.
func (s *VehicleStore) SelectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.selection)
}

// Subscribe returns a channel receiving every merged update in merge order
// and a function that cancels the subscription and closes the channel.
func (s *VehicleStore) Subscribe() (<-chan domain.PositionEvent, func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan domain.PositionEvent, subscriberBuffer)
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *VehicleStore) publish(ev domain.PositionEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			if s.logger != nil {
				s.logger.Warn("Position event dropped for slow subscriber",
					"action", "subscriber_lagging", "subscriber", id, "device_id", ev.DeviceID)
			}
		}
	}
}
