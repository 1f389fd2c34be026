package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	notifier
	state bool
	err   error
}

func (f *fakeSource) CurrentState(ctx context.Context) (bool, error) {
	return f.state, f.err
}

func (f *fakeSource) OnChange(fn func(bool)) func() {
	return f.subscribe(fn)
}

type countingTrigger struct {
	n atomic.Int32
}

func (c *countingTrigger) Trigger(ctx context.Context) {
	c.n.Add(1)
}

func TestMonitor(t *testing.T) {
	ctx := context.Background()

	t.Run("triggers at start when connected", func(t *testing.T) {
		src := &fakeSource{state: true}
		trig := &countingTrigger{}
		m := NewMonitor(src, trig, nil)

		m.Start(ctx)
		defer m.Stop()

		assert.True(t, m.Connected())
		assert.Equal(t, int32(1), trig.n.Load())
	})

	t.Run("no trigger at start when offline", func(t *testing.T) {
		src := &fakeSource{state: false}
		trig := &countingTrigger{}
		m := NewMonitor(src, trig, nil)

		m.Start(ctx)
		defer m.Stop()

		assert.False(t, m.Connected())
		assert.Equal(t, int32(0), trig.n.Load())
	})

	t.Run("probe error is treated as offline", func(t *testing.T) {
		src := &fakeSource{state: true, err: errors.New("no interface")}
		trig := &countingTrigger{}
		m := NewMonitor(src, trig, nil)

		m.Start(ctx)
		defer m.Stop()

		assert.False(t, m.Connected())
		assert.Equal(t, int32(0), trig.n.Load())
	})

	t.Run("triggers on each false to true transition only", func(t *testing.T) {
		src := &fakeSource{state: false}
		trig := &countingTrigger{}
		m := NewMonitor(src, trig, nil)
		m.Start(ctx)
		defer m.Stop()

		src.publish(true)
		assert.Equal(t, int32(1), trig.n.Load())
		src.publish(true)
		assert.Equal(t, int32(1), trig.n.Load())
		src.publish(false)
		assert.False(t, m.Connected())
		src.publish(true)
		assert.Equal(t, int32(2), trig.n.Load())
	})

	t.Run("stop ends triggering", func(t *testing.T) {
		src := &fakeSource{state: false}
		trig := &countingTrigger{}
		m := NewMonitor(src, trig, nil)
		m.Start(ctx)
		m.Stop()

		src.publish(true)
		assert.Equal(t, int32(0), trig.n.Load())
	})

	t.Run("stop waits for in-flight trigger", func(t *testing.T) {
		src := &fakeSource{state: false}
		trig := &blockingTrigger{entered: make(chan struct{}), release: make(chan struct{})}
		m := NewMonitor(src, trig, nil)
		m.Start(ctx)

		go src.publish(true)
		<-trig.entered

		stopped := make(chan struct{})
		go func() {
			m.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			t.Fatal("Stop returned while a trigger was in flight")
		case <-time.After(50 * time.Millisecond):
		}

		close(trig.release)
		<-stopped

		src.publish(false)
		src.publish(true)
		assert.Equal(t, int32(1), trig.n.Load())
	})
}

type blockingTrigger struct {
	n       atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTrigger) Trigger(ctx context.Context) {
	if b.n.Add(1) == 1 {
		close(b.entered)
		<-b.release
	}
}

func TestNotifier(t *testing.T) {
	var n notifier
	var mu sync.Mutex
	var got []bool
	unsubscribe := n.subscribe(func(c bool) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c)
	})

	n.publish(false)
	n.publish(false)
	n.publish(true)
	unsubscribe()
	n.publish(false)

	assert.Equal(t, []bool{false, true}, got)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *stateRecorder) record(c bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, c)
}

func (r *stateRecorder) last() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return false, false
	}
	return r.states[len(r.states)-1], true
}

func TestProbeSource(t *testing.T) {
	ctx := context.Background()

	t.Run("any response is reachable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodHead, r.Method)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		p, err := NewProbeSource(ProbeConfig{URL: server.URL}, nil)
		require.NoError(t, err)
		connected, err := p.CurrentState(ctx)
		require.NoError(t, err)
		assert.True(t, connected)
	})

	t.Run("watch publishes loss of reachability", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		p, err := NewProbeSource(ProbeConfig{URL: server.URL, Interval: 10 * time.Millisecond, Timeout: time.Second}, nil)
		require.NoError(t, err)
		rec := &stateRecorder{}
		p.OnChange(rec.record)

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go p.Watch(watchCtx)

		assert.Eventually(t, func() bool {
			c, ok := rec.last()
			return ok && c
		}, 2*time.Second, 10*time.Millisecond)

		server.Close()
		assert.Eventually(t, func() bool {
			c, ok := rec.last()
			return ok && !c
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("requires url", func(t *testing.T) {
		_, err := NewProbeSource(ProbeConfig{}, nil)
		assert.Error(t, err)
	})
}

func TestFileSource(t *testing.T) {
	ctx := context.Background()

	t.Run("current state", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "network")
		f := NewFileSource(path, nil)

		connected, err := f.CurrentState(ctx)
		require.NoError(t, err)
		assert.False(t, connected)

		require.NoError(t, os.WriteFile(path, []byte("online\n"), 0644))
		connected, err = f.CurrentState(ctx)
		require.NoError(t, err)
		assert.True(t, connected)

		require.NoError(t, os.WriteFile(path, []byte("maybe"), 0644))
		_, err = f.CurrentState(ctx)
		assert.Error(t, err)
	})

	t.Run("watch follows file changes", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "network")
		require.NoError(t, os.WriteFile(path, []byte("offline"), 0644))

		f := NewFileSource(path, nil)
		rec := &stateRecorder{}
		f.OnChange(rec.record)

		watchCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- f.Watch(watchCtx) }()

		assert.Eventually(t, func() bool {
			_, ok := rec.last()
			return ok
		}, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, os.WriteFile(path, []byte("1"), 0644))
		assert.Eventually(t, func() bool {
			c, _ := rec.last()
			return c
		}, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, os.Remove(path))
		assert.Eventually(t, func() bool {
			c, _ := rec.last()
			return !c
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		assert.NoError(t, <-done)
	})
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"online", true},
		{" TRUE\n", true},
		{"1", true},
		{"offline", false},
		{"0", false},
		{"", false},
	}
	for _, tt := range tests {
		got, err := parseState(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
