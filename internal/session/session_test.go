package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybridge/relayd/internal/channel"
	"github.com/relaybridge/relayd/internal/metrics"
)

// fakeTransport is an in-memory Transport double: ingress is fed from a
// channel, egress is captured into a slice.
type fakeTransport struct {
	ingress chan []byte
	ingErr  error

	mu       sync.Mutex
	egress   [][]byte
	sendErr  error
	finished bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ingress: make(chan []byte, 16)}
}

func (f *fakeTransport) NextIngress(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-f.ingress:
		if !ok {
			if f.ingErr != nil {
				return nil, f.ingErr
			}
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) SendEgress(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.egress = append(f.egress, append([]byte{}, data...))
	return nil
}

func (f *fakeTransport) Finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = true
}

func (f *fakeTransport) egressSnapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.egress))
	copy(out, f.egress)
	return out
}

func (f *fakeTransport) isFinished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

func TestSession_IDsAreUniquePerSession(t *testing.T) {
	ch := channel.New("lobby")
	a := New(nil, ch)
	b := New(nil, ch)

	assert.NotEmpty(t, a.ID())
	assert.NotEmpty(t, b.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSession_WithMetricsCountsPublishes(t *testing.T) {
	reg := metrics.NewRegistry()

	ch := channel.New("lobby")
	s := New(nil, ch).WithMetrics(reg, "rush")
	tr := newFakeTransport()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), tr) }()

	for i := 0; i < 5; i++ {
		tr.ingress <- []byte{byte(i)}
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.MessagesPublished.WithLabelValues("rush")) == 5
	}, 2*time.Second, 10*time.Millisecond)

	close(tr.ingress)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSession_IngressEOFEndsRunAndClosesSubscriber(t *testing.T) {
	ch := channel.New("lobby")
	s := New(nil, ch)
	tr := newFakeTransport()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), tr) }()

	close(tr.ingress)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ingress EOF")
	}

	assert.Equal(t, Closed, s.State())
	assert.True(t, tr.isFinished())
	assert.Equal(t, 0, ch.SubscriberCount())
}

func TestSession_IngressErrorPropagates(t *testing.T) {
	ch := channel.New("lobby")
	s := New(nil, ch)
	tr := newFakeTransport()
	boom := errors.New("boom")
	tr.ingErr = boom
	close(tr.ingress)

	err := s.Run(context.Background(), tr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Closed, s.State())
}

func TestSession_EgressErrorEndsRun(t *testing.T) {
	ch := channel.New("lobby")
	s := New(nil, ch)
	tr := newFakeTransport()
	boom := errors.New("send failed")
	tr.sendErr = boom

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), tr) }()

	// Published by a different session (different tag) so the egress pump
	// actually attempts to forward it and hits sendErr.
	ch.Publish([]byte("hello"), s.tag+1)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after egress error")
	}
}

func TestSession_ContextCancelEndsRunCleanly(t *testing.T) {
	ch := channel.New("lobby")
	s := New(nil, ch)
	tr := newFakeTransport()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, tr) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
	assert.Equal(t, Closed, s.State())
}

func TestSession_SkipsItsOwnPublishes(t *testing.T) {
	ch := channel.New("lobby")
	s := New(nil, ch)
	tr := newFakeTransport()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), tr) }()

	tr.ingress <- []byte("mine")
	// Give the ingress pump a tick to publish before we close.
	time.Sleep(50 * time.Millisecond)
	close(tr.ingress)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Empty(t, tr.egressSnapshot())
}

func TestSession_ForwardsOthersPublishes(t *testing.T) {
	ch := channel.New("lobby")
	s := New(nil, ch)
	tr := newFakeTransport()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, tr) }()

	// New already subscribed; allow the egress goroutine to start blocking
	// in Recv before publishing.
	time.Sleep(50 * time.Millisecond)
	ch.Publish([]byte("from-elsewhere"), s.tag+1)
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	got := tr.egressSnapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "from-elsewhere", string(got[0]))
}
