package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/AcqBridge/internal/acquisition"
	"github.com/bryanchriswhite/AcqBridge/internal/capture"
	"github.com/bryanchriswhite/AcqBridge/internal/frame"
)

type fakeHandle struct {
	aborts atomic.Int32
	viewer http.Handler

	mu       sync.Mutex
	events   []acquisition.Event
	finished bool
}

func (h *fakeHandle) ID() string                  { return "acq-1" }
func (h *fakeHandle) State() acquisition.State    { return acquisition.Running }
func (h *fakeHandle) Abort()                      { h.aborts.Add(1) }
func (h *fakeHandle) ViewerHandler() http.Handler { return h.viewer }

func (h *fakeHandle) Submit(events []acquisition.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return acquisition.ErrAcquisitionComplete
	}
	if err := acquisition.ValidateEvents(events); err != nil {
		return err
	}
	h.events = append(h.events, events...)
	return nil
}

func (h *fakeHandle) Finish() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	return nil
}

func (h *fakeHandle) submitted() []acquisition.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]acquisition.Event(nil), h.events...)
}

func newSource(t *testing.T) *EventSource {
	t.Helper()
	s, err := NewEventSource("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(s.Abort)
	return s
}

func endpoint(s *EventSource, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.Port(), path)
}

func dial(t *testing.T, s *EventSource) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, "127.0.0.1", s.Port())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEventSource_Port(t *testing.T) {
	s := newSource(t)
	assert.Positive(t, s.Port())
}

func TestEventSource_Health(t *testing.T) {
	s := newSource(t)

	resp, err := http.Get(endpoint(s, "/api/health"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestEventSource_Acquisition(t *testing.T) {
	s := newSource(t)

	resp, err := http.Get(endpoint(s, "/api/acquisition"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s.SetAcquisition(&fakeHandle{})

	resp, err = http.Get(endpoint(s, "/api/acquisition"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "acq-1", status.ID)
	assert.Equal(t, acquisition.Running, status.State)
	assert.Equal(t, s.Port(), status.Port)
}

func TestEventSource_HTTPAbort(t *testing.T) {
	s := newSource(t)

	resp, err := http.Post(endpoint(s, "/api/acquisition/abort"), "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	h := &fakeHandle{}
	s.SetAcquisition(h)

	resp, err = http.Post(endpoint(s, "/api/acquisition/abort"), "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool { return h.aborts.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEventSource_Commands(t *testing.T) {
	s := newSource(t)
	c := dial(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Status(ctx)
	assert.ErrorContains(t, err, "no acquisition")

	h := &fakeHandle{}
	s.SetAcquisition(h)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acq-1", status.ID)

	_, err = c.request(ctx, Command{Command: "pause"})
	assert.ErrorContains(t, err, "unknown command")

	require.NoError(t, c.Abort(ctx))
	assert.Eventually(t, func() bool { return h.aborts.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func event(axes map[string]any) acquisition.Event {
	return acquisition.Event{acquisition.EventAxes: axes}
}

func TestEventSource_AcquireAndFinish(t *testing.T) {
	s := newSource(t)
	c := dial(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h := &fakeHandle{}
	s.SetAcquisition(h)

	first := []acquisition.Event{event(map[string]any{"z": 0}), event(map[string]any{"z": 1})}
	require.NoError(t, c.Acquire(ctx, first))
	require.NoError(t, c.Acquire(ctx, []acquisition.Event{event(map[string]any{"z": 2})}))

	err := c.Acquire(ctx, []acquisition.Event{{"exposure": 10.0}})
	assert.ErrorIs(t, err, acquisition.ErrInvalidEvent)
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, CommandAcquire, replyErr.Command)

	require.NoError(t, c.Finish(ctx))
	err = c.Acquire(ctx, first)
	assert.ErrorIs(t, err, acquisition.ErrAcquisitionComplete)
	assert.NotErrorIs(t, err, acquisition.ErrInvalidEvent)

	// events arrive in submission order, decoded from JSON
	got := h.submitted()
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, map[string]any{"z": float64(i)}, ev.Axes())
	}
}

func TestEventSource_HTTPEvents(t *testing.T) {
	s := newSource(t)
	h := &fakeHandle{}
	s.SetAcquisition(h)

	post := func(path, body string) int {
		resp, err := http.Post(endpoint(s, path), "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusAccepted, post("/api/acquisition/events", `{"events":[{"axes":{"time":0}},{"axes":{"time":1}}]}`))
	assert.Equal(t, http.StatusBadRequest, post("/api/acquisition/events", `{"events":[{"exposure":5}]}`))
	assert.Equal(t, http.StatusBadRequest, post("/api/acquisition/events", `not json`))
	assert.Equal(t, http.StatusAccepted, post("/api/acquisition/finish", ``))
	assert.Equal(t, http.StatusConflict, post("/api/acquisition/events", `{"events":[{"axes":{"time":2}}]}`))

	assert.Len(t, h.submitted(), 2)
}

func TestEventSource_NotifyAndAbort(t *testing.T) {
	s := newSource(t)
	s.SetAcquisition(&fakeHandle{})
	c := dial(t, s)

	// a status round trip guarantees the client is registered
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Status(ctx)
	require.NoError(t, err)

	received := make(chan acquisition.Notification, 4)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- c.Watch(ctx, func(n acquisition.Notification) { received <- n })
	}()

	s.Notify(acquisition.Notification{Type: acquisition.ImageSaved, Image: 3})

	select {
	case n := <-received:
		assert.Equal(t, acquisition.ImageSaved, n.Type)
		assert.Equal(t, 3, n.Image)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}

	s.Abort()
	s.Abort()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Abort")
	}

	select {
	case err := <-watchErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not end when the source stopped")
	}

	_, err = http.Get(endpoint(s, "/api/health"))
	assert.Error(t, err, "server should no longer accept connections")
}

func TestEventSource_Viewer(t *testing.T) {
	s := newSource(t)

	resp, err := http.Get(endpoint(s, "/viewer"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	s.SetAcquisition(&fakeHandle{})
	resp, err = http.Get(endpoint(s, "/viewer"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	viewer := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	})
	s.SetAcquisition(&fakeHandle{viewer: viewer})
	resp, err = http.Get(endpoint(s, "/viewer/stream"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRemoteAbortStopsAcquisition(t *testing.T) {
	s, err := NewEventSource("127.0.0.1:0")
	require.NoError(t, err)

	engine := capture.NewSynthetic(capture.Config{Width: 8, Height: 8, BitDepth: 16, Interval: 5 * time.Millisecond})
	b, err := acquisition.Open(engine, s, acquisition.Settings{DataLocation: t.TempDir(), Name: "remote"})
	require.NoError(t, err)
	assert.Equal(t, s.Port(), b.EventPort())

	c := dial(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID(), status.ID)

	require.NoError(t, c.Abort(ctx))

	assert.ErrorIs(t, b.Wait(ctx), acquisition.ErrAborted)
	assert.Equal(t, acquisition.Aborted, b.State())

	select {
	case <-s.Done():
	case <-ctx.Done():
		t.Fatal("event source not stopped")
	}
}

func TestControllerDrivenAcquisition(t *testing.T) {
	s := newSource(t)

	engine := capture.NewSynthetic(capture.Config{Width: 4, Height: 4, BitDepth: 8})
	var axes []any
	var mu sync.Mutex
	observe := acquisition.WithImageObserver(func(img frame.TaggedImage) {
		if img.IsEndOfStream() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		axes = append(axes, img.Tags()[frame.TagAxes])
	})
	b, err := acquisition.Open(engine, s, acquisition.Settings{}, observe)
	require.NoError(t, err)

	c := dial(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Acquire(ctx, []acquisition.Event{
		event(map[string]any{"time": 0}),
		event(map[string]any{"time": 1}),
	}))
	require.NoError(t, c.Acquire(ctx, []acquisition.Event{event(map[string]any{"time": 2})}))
	require.NoError(t, c.Finish(ctx))

	require.NoError(t, b.Wait(ctx))
	assert.Equal(t, acquisition.Completed, b.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{
		map[string]any{"time": float64(0)},
		map[string]any{"time": float64(1)},
		map[string]any{"time": float64(2)},
	}, axes)
}
