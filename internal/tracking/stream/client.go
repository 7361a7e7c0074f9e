// Package stream consumes the push position stream. The wire protocol is
// server-sent events: each event's data is a JSON envelope whose `data`
// object carries a stream-dialect telemetry record.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tracker-monitor/internal/common/log"
	"tracker-monitor/internal/tracking/domain"
	"tracker-monitor/internal/tracking/normalize"
)

// Connection state. Closed is terminal and only reached through Close();
// Error -> Connecting transitions are handled by the transport loop.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// UpdateFunc receives every parsed update, coordinates valid or not. Fields
// the stream dialect does not carry are zero; push updates never include a
// battery reading, so BatteryVoltage is always 0 here.
type UpdateFunc func(domain.NormalizedPosition)

// ErrorFunc is invoked for transport-level errors. An error does not imply
// the subscription is closed; the transport reconnects on its own.
type ErrorFunc func(error)

type Client struct {
	baseURL      string
	httpClient   *http.Client
	sink         domain.MergeSink
	logger       *slog.Logger
	retryInitial time.Duration
	retryMax     time.Duration
}

func NewClient(baseURL string, sink domain.MergeSink, logger *slog.Logger, retryInitial, retryMax time.Duration) *Client {
	if retryInitial <= 0 {
		retryInitial = time.Second
	}
	if retryMax < retryInitial {
		retryMax = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		// no overall timeout: the response body is a long-lived stream
		httpClient:   &http.Client{},
		sink:         sink,
		logger:       logger,
		retryInitial: retryInitial,
		retryMax:     retryMax,
	}
}

// Handle is a live subscription. Close stops update delivery immediately and
// releases the underlying connection; it is safe to call more than once.
type Handle struct {
	cancel    context.CancelFunc
	closed    atomic.Bool
	state     atomic.Int32
	retryHint atomic.Int64 // server-suggested reconnect delay, nanoseconds
	done      chan struct{}
}

func (h *Handle) Close() {
	if h.closed.CompareAndSwap(false, true) {
		h.state.Store(int32(StateClosed))
		h.cancel()
	}
	<-h.done
}

func (h *Handle) State() State {
	return State(h.state.Load())
}

func (h *Handle) setState(s State) {
	// never leave Closed
	if h.closed.Load() {
		return
	}
	h.state.Store(int32(s))
}

// Connect opens a subscription for the given devices. An empty device set is
// a logged no-op and returns ErrEmptyDeviceSet with no handle.
func (c *Client) Connect(ctx context.Context, deviceIDs []string, onUpdate UpdateFunc, onError ErrorFunc) (*Handle, error) {
	if len(deviceIDs) == 0 {
		log.Warn(ctx, c.logger, "stream_connect_skipped", "No device ids to subscribe to")
		return nil, domain.ErrEmptyDeviceSet
	}

	endpoint, err := c.streamURL(deviceIDs)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	h.state.Store(int32(StateIdle))

	go c.run(runCtx, h, endpoint, onUpdate, onError)
	return h, nil
}

func (c *Client) streamURL(deviceIDs []string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("stream base url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/stream"
	q := u.Query()
	q.Set("device_ids", strings.Join(deviceIDs, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// run is the transport loop: connect, consume until the connection drops,
// back off, reconnect. It ends only when the handle is closed or the parent
// context dies.
func (c *Client) run(ctx context.Context, h *Handle, endpoint string, onUpdate UpdateFunc, onError ErrorFunc) {
	defer close(h.done)
	retry := c.retryInitial

	for {
		h.setState(StateConnecting)
		opened, err := c.consumeOnce(ctx, h, endpoint, onUpdate)
		if ctx.Err() != nil {
			h.state.Store(int32(StateClosed))
			return
		}
		if opened {
			retry = c.retryInitial
		}
		if hint := h.retryHint.Load(); hint > 0 {
			retry = time.Duration(hint)
		}
		if err != nil {
			h.setState(StateError)
			log.Warn(ctx, c.logger, "stream_transport_error", err.Error())
			if onError != nil && !h.closed.Load() {
				onError(err)
			}
		}

		select {
		case <-ctx.Done():
			h.state.Store(int32(StateClosed))
			return
		case <-time.After(retry):
		}
		if retry *= 2; retry > c.retryMax {
			retry = c.retryMax
		}
	}
}

// consumeOnce holds one connection open and dispatches its events. The
// returned bool reports whether the connection reached the Open state.
func (c *Client) consumeOnce(ctx context.Context, h *Handle, endpoint string, onUpdate UpdateFunc) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	// the stream carries no credentials
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream http status: %d", resp.StatusCode)
	}

	h.setState(StateOpen)
	log.Info(ctx, c.logger, "stream_open", "Push stream connected")

	reader := bufio.NewReader(resp.Body)
	var data strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			c.consumeLine(ctx, h, strings.TrimRight(line, "\r\n"), &data, onUpdate)
		}
		if err != nil {
			if err == io.EOF {
				return true, fmt.Errorf("stream closed by server")
			}
			return true, err
		}
	}
}

// consumeLine applies SSE framing: data lines accumulate, a blank line
// dispatches, everything else (event names, ids, comments) is ignored except
// the server-suggested retry delay.
func (c *Client) consumeLine(ctx context.Context, h *Handle, line string, data *strings.Builder, onUpdate UpdateFunc) {
	switch {
	case line == "":
		if data.Len() > 0 {
			c.handleMessage(ctx, h, []byte(data.String()), onUpdate)
			data.Reset()
		}
	case strings.HasPrefix(line, "data:"):
		if data.Len() > 0 {
			data.WriteByte('\n')
		}
		data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	case strings.HasPrefix(line, "retry:"):
		if ms, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "retry:"))); err == nil && ms > 0 {
			h.retryHint.Store(int64(time.Duration(ms) * time.Millisecond))
		}
	}
}

// handleMessage processes one event payload. Malformed JSON or a missing
// data object is logged and dropped; the connection stays up. A record with a
// device id and at least one coordinate goes to the merge sink; every
// normalizable record, coordinates or not, is forwarded to onUpdate so the UI
// can refresh best-effort.
func (c *Client) handleMessage(ctx context.Context, h *Handle, payload []byte, onUpdate UpdateFunc) {
	if h.closed.Load() {
		return
	}

	record, err := normalize.ExtractStreamData(payload)
	if err != nil {
		log.Warn(ctx, c.logger, "stream_message_dropped", err.Error())
		return
	}

	pos, err := normalize.FromRecord(record, payload)
	if err != nil {
		if domain.IsReject(err) {
			log.Warn(ctx, c.logger, "stream_record_rejected", err.Error())
		} else {
			log.Warn(ctx, c.logger, "stream_record_unparseable", err.Error())
		}
		return
	}

	if h.closed.Load() {
		return
	}

	if pos.DeviceID != "" && (pos.Latitude != nil || pos.Longitude != nil) {
		c.sink.MergePosition(pos.DeviceID, pos)
	}
	if onUpdate != nil {
		onUpdate(pos)
	}
}
