package readiness

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/eventbus"
	"github.com/procherder/agent/internal/herderlog"
)

func testTarget(bus *eventbus.Bus) (Target, chan struct{}) {
	done := make(chan struct{})
	return Target{
		ProcessID: "proc-1",
		Done:      done,
		Ring:      herderlog.NewRing(100),
		Bus:       bus,
	}, done
}

func TestEvaluatePortReadiness(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	engine := New(nil, nil)
	target, _ := testTarget(eventbus.New(100))

	out := engine.Evaluate(context.Background(), config.ReadinessSpec{
		Kind: "port", Port: port, TimeoutMs: 5000, IntervalMs: 50,
	}, target)

	assert.Equal(t, ResultSuccess, out.Result)
	assert.Equal(t, port, out.Port)
	assert.False(t, out.ReadyAt.IsZero())
}

func TestEvaluatePortTimeout(t *testing.T) {
	// Grab a port and close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	engine := New(nil, nil)
	target, _ := testTarget(nil)

	start := time.Now()
	out := engine.Evaluate(context.Background(), config.ReadinessSpec{
		Kind: "port", Port: port, TimeoutMs: 300, IntervalMs: 50,
	}, target)

	assert.Equal(t, ResultTimeout, out.Result)
	assert.NotEmpty(t, out.Reason)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestEvaluateZeroTimeoutResolvesImmediately(t *testing.T) {
	engine := New(nil, nil)
	target, _ := testTarget(nil)

	start := time.Now()
	out := engine.Evaluate(context.Background(), config.ReadinessSpec{
		Kind: "port", Port: 1, TimeoutMs: 0,
	}, target)

	assert.Equal(t, ResultTimeout, out.Result)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestEvaluateHTTPReadiness(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Result
	}{
		{"200 ok", http.StatusOK, ResultSuccess},
		{"404 still counts as up", http.StatusNotFound, ResultSuccess},
		{"302 redirect not followed", http.StatusFound, ResultSuccess},
		{"500 is not ready", http.StatusInternalServerError, ResultTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusFound {
					http.Redirect(w, r, "http://127.0.0.1:1/nowhere", tt.status)
					return
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			engine := New(nil, nil)
			target, _ := testTarget(nil)

			out := engine.Evaluate(context.Background(), config.ReadinessSpec{
				Kind: "http", URL: srv.URL, TimeoutMs: 400, IntervalMs: 50,
			}, target)
			assert.Equal(t, tt.want, out.Result)
		})
	}
}

func TestEvaluateEarlyExit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	engine := New(nil, nil)
	target, done := testTarget(eventbus.New(100))

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(done)
	}()

	out := engine.Evaluate(context.Background(), config.ReadinessSpec{
		Kind: "port", Port: port, TimeoutMs: 10000, IntervalMs: 50,
	}, target)

	assert.Equal(t, ResultEarlyExit, out.Result)
}

func TestEvaluateLogReadinessFromRing(t *testing.T) {
	engine := New(nil, nil)
	target, _ := testTarget(eventbus.New(100))
	target.Ring.Add(herderlog.StreamStdout, "Server listening on :3000")

	out := engine.Evaluate(context.Background(), config.ReadinessSpec{
		Kind: "log", Pattern: "LISTENING", TimeoutMs: 2000,
	}, target)

	assert.Equal(t, ResultSuccess, out.Result, "plain patterns match case-insensitively")
}

func TestEvaluateLogReadinessFromLiveStream(t *testing.T) {
	bus := eventbus.New(100)
	engine := New(nil, nil)
	target, _ := testTarget(bus)

	go func() {
		time.Sleep(50 * time.Millisecond)
		for i := 0; i < 3; i++ {
			bus.Publish(eventbus.Event{
				Category: eventbus.CategorySpawn, Type: "log",
				ProcessID: target.ProcessID,
				Message:   fmt.Sprintf("warming up %d", i),
			})
		}
		bus.Publish(eventbus.Event{
			Category: eventbus.CategorySpawn, Type: "log",
			ProcessID: target.ProcessID,
			Message:   "TESTS STARTING",
		})
	}()

	out := engine.Evaluate(context.Background(), config.ReadinessSpec{
		Kind: "log", Pattern: "tests starting", TimeoutMs: 3000,
	}, target)

	assert.Equal(t, ResultSuccess, out.Result)
}

func TestEvaluateLogReadinessIgnoresOtherProcesses(t *testing.T) {
	bus := eventbus.New(100)
	engine := New(nil, nil)
	target, _ := testTarget(bus)

	go func() {
		time.Sleep(50 * time.Millisecond)
		bus.Publish(eventbus.Event{
			Category: eventbus.CategorySpawn, Type: "log",
			ProcessID: "someone-else",
			Message:   "READY",
		})
	}()

	out := engine.Evaluate(context.Background(), config.ReadinessSpec{
		Kind: "log", Pattern: "READY", TimeoutMs: 300,
	}, target)

	assert.Equal(t, ResultTimeout, out.Result)
}

func TestEvaluateLogReadinessRegex(t *testing.T) {
	engine := New(nil, nil)
	target, _ := testTarget(eventbus.New(100))
	target.Ring.Add(herderlog.StreamStdout, "listening on port 3100")

	tests := []struct {
		name    string
		pattern string
		want    Result
	}{
		{"regex matches", `listening on port \d+`, ResultSuccess},
		{"regex is case-sensitive", `LISTENING ON PORT \d+`, ResultTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := engine.Evaluate(context.Background(), config.ReadinessSpec{
				Kind: "log", Pattern: tt.pattern, IsRegex: true, TimeoutMs: 200,
			}, target)
			assert.Equal(t, tt.want, out.Result)
		})
	}
}

func TestEvaluateLogReadinessFinalRingScanOnExit(t *testing.T) {
	// A child that prints its marker and dies immediately: the marker must
	// still win over the exit notification.
	engine := New(nil, nil)
	target, done := testTarget(eventbus.New(100))

	target.Ring.Add(herderlog.StreamStdout, "TESTS STARTING")
	close(done)

	out := engine.Evaluate(context.Background(), config.ReadinessSpec{
		Kind: "log", Pattern: "TESTS STARTING", TimeoutMs: 2000,
	}, target)

	assert.Equal(t, ResultSuccess, out.Result)
}

func TestEvaluatePublishesReadinessEvents(t *testing.T) {
	bus := eventbus.New(100)
	engine := New(nil, nil)
	target, _ := testTarget(bus)
	target.Ring.Add(herderlog.StreamStdout, "up")

	out := engine.Evaluate(context.Background(), config.ReadinessSpec{
		Kind: "log", Pattern: "up", TimeoutMs: 1000,
	}, target)
	require.Equal(t, ResultSuccess, out.Result)

	events := bus.Query(eventbus.Query{Category: eventbus.CategoryReadiness})
	require.Len(t, events, 1)
	assert.Equal(t, "ready", events[0].Type)
	assert.Equal(t, "proc-1", events[0].ProcessID)
}

func TestEvaluateCancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	engine := New(nil, nil)
	target, _ := testTarget(nil)

	start := time.Now()
	out := engine.Evaluate(ctx, config.ReadinessSpec{
		Kind: "port", Port: port, TimeoutMs: 30000, IntervalMs: 50,
	}, target)

	assert.Equal(t, ResultTimeout, out.Result)
	assert.Less(t, time.Since(start), 5*time.Second)
}
