// Package pull implements the HTTP clients for the polling side: the single
// last-known-position endpoint and the bulk communications endpoint.
package pull

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tracker-monitor/internal/common/log"
	"tracker-monitor/internal/tracking/domain"
	"tracker-monitor/internal/tracking/normalize"
)

type Client struct {
	positionsBase string
	commBase      string
	httpClient    *http.Client
	logger        *slog.Logger
}

func NewClient(positionsBase, commBase string, logger *slog.Logger) *Client {
	return &Client{
		positionsBase: strings.TrimRight(positionsBase, "/"),
		commBase:      strings.TrimRight(commBase, "/"),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

// FetchPosition pulls the last known position of one device and normalizes
// it. A non-2xx response fails this call only.
func (c *Client) FetchPosition(ctx context.Context, deviceID string) (domain.NormalizedPosition, error) {
	endpoint := fmt.Sprintf("%s/positions?deviceId=%s", c.positionsBase, url.QueryEscape(deviceID))

	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return domain.NormalizedPosition{}, err
	}

	pos, err := normalize.Normalize(body)
	if err != nil {
		return domain.NormalizedPosition{}, fmt.Errorf("normalize position for %s: %w", deviceID, err)
	}
	if pos.DeviceID == "" {
		pos.DeviceID = deviceID
	}
	return pos, nil
}

type communicationsResponse struct {
	Communications []json.RawMessage `json:"communications"`
}

// FetchLatestCommunications pulls the latest communication record for each
// requested device. An empty input short-circuits without a network call.
// Records that fail to normalize are logged and dropped; the batch survives.
func (c *Client) FetchLatestCommunications(ctx context.Context, deviceIDs []string) ([]domain.NormalizedPosition, error) {
	if len(deviceIDs) == 0 {
		return []domain.NormalizedPosition{}, nil
	}

	q := url.Values{}
	for _, id := range deviceIDs {
		q.Add("device_ids", id)
	}
	endpoint := c.commBase + "/api/v1/communications/latest?" + q.Encode()

	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var resp communicationsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode communications response: %w", err)
	}

	out := make([]domain.NormalizedPosition, 0, len(resp.Communications))
	for _, raw := range resp.Communications {
		pos, err := normalize.Normalize(raw)
		if err != nil {
			log.Warn(ctx, c.logger, "communication_record_dropped", err.Error())
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("http status %d from %s", resp.StatusCode, endpoint)
	}
	return io.ReadAll(resp.Body)
}

var (
	_ domain.PositionFetcher       = (*Client)(nil)
	_ domain.CommunicationsFetcher = (*Client)(nil)
)
