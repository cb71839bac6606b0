package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/url-shortener/registry/internal/infra"
	"github.com/zhejian/url-shortener/registry/internal/testutil"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	block   chan struct{}
}

func (s *recordingSink) Send(ctx context.Context, entry Entry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return s.err
}

func (s *recordingSink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// deadlineSink blocks until the send context ends, like a publish stuck
// under broker flow control.
type deadlineSink struct{ timedOut atomic.Int64 }

func (s *deadlineSink) Send(ctx context.Context, entry Entry) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	<-ctx.Done()
	s.timedOut.Add(1)
	return ctx.Err()
}

type countingDrops struct{ n atomic.Int64 }

func (c *countingDrops) Dropped(ctx context.Context) { c.n.Add(1) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestDispatcher(t *testing.T) {
	t.Run("delivers queued entries before close returns", func(t *testing.T) {
		sink := &recordingSink{}
		d := NewDispatcher(sink, discardLogger(), Options{QueueSize: 8, Workers: 2})
		d.Start(context.Background())

		d.Emit(LevelInfo, "one")
		d.Emit(LevelWarn, "two")
		d.Emit(LevelError, "three")
		require.NoError(t, d.Close(context.Background()))

		entries := sink.Entries()
		require.Len(t, entries, 3)
		for _, e := range entries {
			assert.Equal(t, "frontend", e.Stack)
		}
	})

	t.Run("emit never blocks and counts drops", func(t *testing.T) {
		sink := &recordingSink{block: make(chan struct{})}
		drops := &countingDrops{}
		d := NewDispatcher(sink, discardLogger(), Options{QueueSize: 1, Workers: 1, Drops: drops})
		d.Start(context.Background())

		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				d.Emit(LevelInfo, "burst")
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Emit blocked on a full queue")
		}
		assert.GreaterOrEqual(t, drops.n.Load(), int64(8))

		close(sink.block)
		require.NoError(t, d.Close(context.Background()))
	})

	t.Run("sink errors are absorbed", func(t *testing.T) {
		var logs bytes.Buffer
		sink := &recordingSink{err: errors.New("sink down")}
		d := NewDispatcher(sink, slog.New(slog.NewTextHandler(&logs, nil)), Options{})
		d.Start(context.Background())

		d.Emit(LevelInfo, "hello")
		require.NoError(t, d.Close(context.Background()))

		assert.Len(t, sink.Entries(), 1)
		assert.Contains(t, logs.String(), "sink down")
	})

	t.Run("emit after close is ignored", func(t *testing.T) {
		sink := &recordingSink{}
		d := NewDispatcher(sink, discardLogger(), Options{})
		d.Start(context.Background())
		require.NoError(t, d.Close(context.Background()))

		assert.NotPanics(t, func() { d.Emit(LevelInfo, "late") })
		assert.NoError(t, d.Close(context.Background()))
		assert.Empty(t, sink.Entries())
	})

	t.Run("each send is bounded by the send timeout", func(t *testing.T) {
		sink := &deadlineSink{}
		d := NewDispatcher(sink, discardLogger(), Options{SendTimeout: 50 * time.Millisecond})
		d.Start(context.Background())

		d.Emit(LevelInfo, "slow")
		d.Emit(LevelInfo, "slower")

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, d.Close(ctx))
		assert.Equal(t, int64(2), sink.timedOut.Load())
	})

	t.Run("close gives up when context expires", func(t *testing.T) {
		sink := &recordingSink{block: make(chan struct{})}
		defer close(sink.block)
		d := NewDispatcher(sink, discardLogger(), Options{})
		d.Start(context.Background())
		d.Emit(LevelInfo, "stuck")

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	})
}

func TestHTTPSink(t *testing.T) {
	t.Run("posts entry and reads log id", func(t *testing.T) {
		var got Entry
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"logId":"abc-123"}`))
		}))
		defer srv.Close()

		sink := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL}, discardLogger())
		err := sink.Send(context.Background(), Entry{Stack: "frontend", Level: LevelInfo, Message: "created"})
		require.NoError(t, err)

		assert.Equal(t, Entry{Stack: "frontend", Level: LevelInfo, Message: "created"}, got)
	})

	t.Run("non-success status is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadRequest)
		}))
		defer srv.Close()

		sink := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL}, discardLogger())
		err := sink.Send(context.Background(), Entry{Level: LevelWarn, Message: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "400")
	})

	t.Run("breaker opens after consecutive failures", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		sink := NewHTTPSink(HTTPSinkConfig{Endpoint: srv.URL, BreakerTrips: 2, BreakerOpen: time.Minute}, discardLogger())
		ctx := context.Background()

		assert.Error(t, sink.Send(ctx, Entry{Message: "1"}))
		assert.Error(t, sink.Send(ctx, Entry{Message: "2"}))
		assert.Equal(t, gobreaker.StateOpen, sink.State())

		err := sink.Send(ctx, Entry{Message: "3"})
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, int64(2), calls.Load())
	})

	t.Run("network failure is an error", func(t *testing.T) {
		sink := NewHTTPSink(HTTPSinkConfig{Endpoint: "http://127.0.0.1:1/logs", Timeout: 200 * time.Millisecond}, discardLogger())
		assert.Error(t, sink.Send(context.Background(), Entry{Message: "x"}))
	})
}

func TestLoggerSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLoggerSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.Send(context.Background(), Entry{Stack: "frontend", Level: LevelWarn, Message: "Expired link accessed: abc"}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "Expired link accessed: abc", line["msg"])
	assert.Equal(t, "frontend", line["stack"])
}

func TestAMQPSink(t *testing.T) {
	ctx := context.Background()

	broker, err := testutil.SetupTestBroker(ctx)
	require.NoError(t, err, "failed to setup test broker")
	defer broker.Teardown(ctx)

	conn, ch, err := infra.NewAMQPChannel(broker.URL, "link-events-test")
	require.NoError(t, err)
	defer conn.Close()

	sink := NewAMQPSink(ch, "link-events-test")
	require.NoError(t, sink.Send(ctx, Entry{Stack: "frontend", Level: LevelInfo, Message: "published"}))

	var msg []byte
	require.Eventually(t, func() bool {
		d, ok, err := ch.Get("link-events-test", true)
		if err != nil || !ok {
			return false
		}
		msg = d.Body
		return true
	}, 5*time.Second, 50*time.Millisecond)

	var got Entry
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "published", got.Message)
	assert.Equal(t, LevelInfo, got.Level)
}
