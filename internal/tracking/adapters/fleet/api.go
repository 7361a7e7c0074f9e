// Package fleet loads the vehicle registry from the fleet management API.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tracker-monitor/internal/tracking/domain"
)

type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAPIClient builds a registry client. The token, when set, is attached as
// a static bearer header the way the dashboard's API layer does.
func NewAPIClient(baseURL, token string, logger *slog.Logger) *APIClient {
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type vehicleDoc struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Name        string `json:"name"`
	Driver      string `json:"driver"`
	DeviceID    string `json:"device_id"`
	Status      string `json:"status"`
}

type vehiclesResponse struct {
	Vehicles []vehicleDoc `json:"vehicles"`
}

// ListVehicles fetches the registry. Response order is preserved; it is the
// display order for every downstream view.
func (c *APIClient) ListVehicles(ctx context.Context) ([]domain.Vehicle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/vehicles", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fleet api status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var payload vehiclesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode vehicles response: %w", err)
	}

	out := make([]domain.Vehicle, 0, len(payload.Vehicles))
	for _, doc := range payload.Vehicles {
		name := doc.DisplayName
		if name == "" {
			name = doc.Name
		}
		status := doc.Status
		if status == "" {
			status = domain.StatusInactive
		}
		out = append(out, domain.Vehicle{
			ID:          doc.ID,
			DisplayName: name,
			Driver:      doc.Driver,
			DeviceID:    doc.DeviceID,
			Status:      status,
		})
	}
	return out, nil
}

var _ domain.FleetSource = (*APIClient)(nil)
