package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker-monitor/internal/common/log"
	"tracker-monitor/internal/tracking/domain"
)

type fakeSink struct {
	mu     sync.Mutex
	merges []domain.NormalizedPosition
}

func (f *fakeSink) MergePosition(deviceID string, pos domain.NormalizedPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos.DeviceID = deviceID
	f.merges = append(f.merges, pos)
}

func (f *fakeSink) snapshot() []domain.NormalizedPosition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.NormalizedPosition, len(f.merges))
	copy(out, f.merges)
	return out
}

// sseServer emits the given event payloads once, then holds the connection
// open until the client goes away.
func sseServer(t *testing.T, events ...string) (*httptest.Server, <-chan url.Values) {
	t.Helper()
	queries := make(chan url.Values, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		flusher.Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv, queries
}

func collectUpdates() (UpdateFunc, func() []domain.NormalizedPosition) {
	var mu sync.Mutex
	var got []domain.NormalizedPosition
	fn := func(pos domain.NormalizedPosition) {
		mu.Lock()
		got = append(got, pos)
		mu.Unlock()
	}
	read := func() []domain.NormalizedPosition {
		mu.Lock()
		defer mu.Unlock()
		out := make([]domain.NormalizedPosition, len(got))
		copy(out, got)
		return out
	}
	return fn, read
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectMergesCoordinateUpdates(t *testing.T) {
	srv, queries := sseServer(t,
		`{"data":{"LATITUD":"19.43","LONGITUD":"-99.13","DEVICE_ID":"X1","SPD":"40"}}`,
	)
	sink := &fakeSink{}
	client := NewClient(srv.URL, sink, log.New("test"), time.Second, time.Second)

	onUpdate, updates := collectUpdates()
	h, err := client.Connect(context.Background(), []string{"X1", "X2"}, onUpdate, nil)
	require.NoError(t, err)
	defer h.Close()

	q := <-queries
	assert.Equal(t, "X1,X2", q.Get("device_ids"))

	waitFor(t, func() bool { return len(sink.snapshot()) == 1 }, "merge never arrived")

	merged := sink.snapshot()[0]
	assert.Equal(t, "X1", merged.DeviceID)
	require.NotNil(t, merged.Latitude)
	assert.InDelta(t, 19.43, *merged.Latitude, 1e-9)
	assert.Equal(t, 40.0, merged.Speed)
	assert.Equal(t, domain.StatusActive, merged.Status)

	waitFor(t, func() bool { return len(updates()) == 1 }, "update callback never fired")
	assert.Equal(t, StateOpen, h.State())
}

func TestConnectForwardsCoordinatelessUpdatesWithoutMerging(t *testing.T) {
	srv, _ := sseServer(t, `{"data":{"DEVICE_ID":"X2"}}`)
	sink := &fakeSink{}
	client := NewClient(srv.URL, sink, log.New("test"), time.Second, time.Second)

	onUpdate, updates := collectUpdates()
	h, err := client.Connect(context.Background(), []string{"X2"}, onUpdate, nil)
	require.NoError(t, err)
	defer h.Close()

	waitFor(t, func() bool { return len(updates()) == 1 }, "update callback never fired")

	got := updates()[0]
	assert.Equal(t, "X2", got.DeviceID)
	assert.Nil(t, got.Latitude)
	assert.Equal(t, domain.StatusInactive, got.Status)
	assert.Empty(t, sink.snapshot())
}

func TestConnectSkipsMalformedEvents(t *testing.T) {
	srv, _ := sseServer(t,
		`{not json`,
		`{"type":"ping"}`,
		`{"data":{"DEVICE_ID":"X1","LATITUD":1,"LONGITUD":2}}`,
	)
	sink := &fakeSink{}
	client := NewClient(srv.URL, sink, log.New("test"), time.Second, time.Second)

	h, err := client.Connect(context.Background(), []string{"X1"}, nil, nil)
	require.NoError(t, err)
	defer h.Close()

	waitFor(t, func() bool { return len(sink.snapshot()) == 1 }, "valid event after bad ones was not processed")
	assert.Equal(t, "X1", sink.snapshot()[0].DeviceID)
}

func TestConnectEmptyDeviceSet(t *testing.T) {
	client := NewClient("http://localhost:0", &fakeSink{}, log.New("test"), time.Second, time.Second)

	h, err := client.Connect(context.Background(), nil, nil, nil)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, domain.ErrEmptyDeviceSet)
}

func TestCloseStopsDelivery(t *testing.T) {
	srv, _ := sseServer(t, `{"data":{"DEVICE_ID":"X1","LATITUD":1,"LONGITUD":2}}`)
	sink := &fakeSink{}
	client := NewClient(srv.URL, sink, log.New("test"), time.Second, time.Second)

	h, err := client.Connect(context.Background(), []string{"X1"}, nil, nil)
	require.NoError(t, err)

	waitFor(t, func() bool { return len(sink.snapshot()) == 1 }, "initial merge never arrived")

	h.Close()
	h.Close() // safe to call twice
	assert.Equal(t, StateClosed, h.State())

	// closed is terminal; no transition can leave it
	h.setState(StateOpen)
	assert.Equal(t, StateClosed, h.State())
}

func TestTransportReconnectsAfterServerError(t *testing.T) {
	var mu sync.Mutex
	attempt := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempt++
		n := attempt
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"data\":{\"DEVICE_ID\":\"X1\",\"LATITUD\":1,\"LONGITUD\":2}}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	sink := &fakeSink{}
	client := NewClient(srv.URL, sink, log.New("test"), 10*time.Millisecond, 50*time.Millisecond)

	var errMu sync.Mutex
	var transportErrs []error
	h, err := client.Connect(context.Background(), []string{"X1"}, nil, func(err error) {
		errMu.Lock()
		transportErrs = append(transportErrs, err)
		errMu.Unlock()
	})
	require.NoError(t, err)
	defer h.Close()

	waitFor(t, func() bool { return len(sink.snapshot()) >= 1 }, "never recovered after transport error")

	errMu.Lock()
	defer errMu.Unlock()
	require.NotEmpty(t, transportErrs)
	assert.Contains(t, transportErrs[0].Error(), "502")
}

func TestStreamURL(t *testing.T) {
	client := NewClient("http://stream.example.com/base/", nil, log.New("test"), time.Second, time.Second)

	endpoint, err := client.streamURL([]string{"a", "b", "c"})
	require.NoError(t, err)

	u, err := url.Parse(endpoint)
	require.NoError(t, err)
	assert.Equal(t, "/base/api/v1/stream", u.Path)
	assert.Equal(t, "a,b,c", u.Query().Get("device_ids"))
}

func TestConsumeLineSSEFraming(t *testing.T) {
	srv, _ := sseServer(t)
	client := NewClient(srv.URL, &fakeSink{}, log.New("test"), time.Second, time.Second)
	h := &Handle{done: make(chan struct{})}

	var data strings.Builder
	onUpdate, updates := collectUpdates()

	// multi-line data accumulates until the blank line
	client.consumeLine(context.Background(), h, `data: {"data":{"DEVICE_ID":"X9",`, &data, onUpdate)
	client.consumeLine(context.Background(), h, `data: "LATITUD":1,"LONGITUD":2}}`, &data, onUpdate)
	assert.Empty(t, updates())

	client.consumeLine(context.Background(), h, "", &data, onUpdate)
	require.Len(t, updates(), 1)
	assert.Equal(t, "X9", updates()[0].DeviceID)
	assert.Zero(t, data.Len())

	// event names, comments and ids are ignored
	client.consumeLine(context.Background(), h, "event: position", &data, onUpdate)
	client.consumeLine(context.Background(), h, ": keepalive", &data, onUpdate)
	client.consumeLine(context.Background(), h, "id: 7", &data, onUpdate)
	assert.Zero(t, data.Len())

	// retry hints are captured for the reconnect loop
	client.consumeLine(context.Background(), h, "retry: 250", &data, onUpdate)
	assert.Equal(t, int64(250*time.Millisecond), h.retryHint.Load())
}
