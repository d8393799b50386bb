package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/robolink-dev/robolink/internal/transport"
)

// fakeControl is a scriptable ControlClient.
type fakeControl struct {
	mu         sync.Mutex
	startCalls []string // resume values observed
	beatCalls  []string // session ids observed

	startResult StartResult
	startErr    error
	beatErr     error

	startGate chan struct{} // when non-nil, StartSession blocks until closed
	started   chan struct{} // when non-nil, closed once StartSession is entered
}

func (f *fakeControl) StartSession(ctx context.Context, resume string) (StartResult, error) {
	f.mu.Lock()
	f.startCalls = append(f.startCalls, resume)
	gate := f.startGate
	started := f.started
	f.mu.Unlock()

	if started != nil {
		f.mu.Lock()
		f.started = nil
		f.mu.Unlock()
		close(started)
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startResult, f.startErr
}

func (f *fakeControl) SendHeartbeat(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beatCalls = append(f.beatCalls, id)
	return f.beatErr
}

func (f *fakeControl) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.startCalls)
}

func (f *fakeControl) lastResume() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.startCalls) == 0 {
		return "<none>"
	}
	return f.startCalls[len(f.startCalls)-1]
}

// manualScheduler records the scheduled work so tests drive ticks by hand.
type manualScheduler struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func() bool
	stops    int
}

func (s *manualScheduler) Schedule(interval time.Duration, fn func() bool) func() {
	s.mu.Lock()
	s.interval = interval
	s.fn = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.stops++
		s.mu.Unlock()
	}
}

func (s *manualScheduler) tick() bool {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn()
}

func (s *manualScheduler) scheduledInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func newTestCoordinator(control *fakeControl, sched Scheduler) *Coordinator {
	return NewCoordinator(
		func() (ControlClient, error) { return control, nil },
		WithScheduler(sched),
	)
}

func TestMetadataNegotiatesSession(t *testing.T) {
	control := &fakeControl{
		startResult: StartResult{ID: "abc", Window: Window{Seconds: 5}},
	}
	sched := &manualScheduler{}
	c := newTestCoordinator(control, sched)

	md, err := c.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}

	if md[MetadataKey] != "abc" {
		t.Errorf("metadata[%s] = %q, want %q", MetadataKey, md[MetadataKey], "abc")
	}
	if got := control.lastResume(); got != "" {
		t.Errorf("resume = %q, want empty (fresh start)", got)
	}
	if c.State() != SupportSupported {
		t.Errorf("state = %v, want supported", c.State())
	}

	// Heartbeat interval is one-fifth of the 5s window.
	if got := sched.scheduledInterval(); got != time.Second {
		t.Errorf("heartbeat interval = %v, want 1s", got)
	}
}

func TestMetadataUnsupportedIsSticky(t *testing.T) {
	control := &fakeControl{
		startErr: fmt.Errorf("start: %w", transport.ErrUnimplemented),
	}
	c := newTestCoordinator(control, &manualScheduler{})

	for i := 0; i < 3; i++ {
		md, err := c.Metadata(context.Background())
		if err != nil {
			t.Fatalf("Metadata call %d failed: %v", i, err)
		}
		if len(md) != 0 {
			t.Errorf("call %d: metadata = %v, want empty", i, md)
		}
	}

	if got := control.startCount(); got != 1 {
		t.Errorf("StartSession called %d times, want 1", got)
	}
	if c.State() != SupportUnsupported {
		t.Errorf("state = %v, want unsupported", c.State())
	}
}

func TestMetadataMissingWindowIsFatal(t *testing.T) {
	control := &fakeControl{
		startResult: StartResult{ID: "abc"},
	}
	c := newTestCoordinator(control, &manualScheduler{})

	_, err := c.Metadata(context.Background())
	if !errors.Is(err, ErrMissingWindow) {
		t.Fatalf("err = %v, want ErrMissingWindow", err)
	}

	// Support stays unknown: the next request negotiates again.
	if c.State() != SupportUnknown {
		t.Errorf("state = %v, want unknown", c.State())
	}

	control.mu.Lock()
	control.startResult = StartResult{ID: "abc", Window: Window{Seconds: 5}}
	control.mu.Unlock()

	if _, err := c.Metadata(context.Background()); err != nil {
		t.Fatalf("second Metadata failed: %v", err)
	}
	if got := control.startCount(); got != 2 {
		t.Errorf("StartSession called %d times, want 2", got)
	}
}

func TestMetadataNegotiationFailureSurfaced(t *testing.T) {
	control := &fakeControl{
		startErr: errors.New("boom"),
	}
	c := newTestCoordinator(control, &manualScheduler{})

	_, err := c.Metadata(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if c.State() != SupportUnknown {
		t.Errorf("state = %v, want unknown", c.State())
	}
}

func TestResetRetainsIDForResume(t *testing.T) {
	control := &fakeControl{
		startResult: StartResult{ID: "abc", Window: Window{Seconds: 5}},
	}
	c := newTestCoordinator(control, &manualScheduler{})

	if _, err := c.Metadata(context.Background()); err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}

	c.Reset()
	if c.State() != SupportUnknown {
		t.Errorf("state after reset = %v, want unknown", c.State())
	}

	control.mu.Lock()
	control.startResult = StartResult{ID: "abc2", Window: Window{Seconds: 5}}
	control.mu.Unlock()

	md, err := c.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata after reset failed: %v", err)
	}
	if got := control.lastResume(); got != "abc" {
		t.Errorf("resume = %q, want %q", got, "abc")
	}
	if md[MetadataKey] != "abc2" {
		t.Errorf("metadata[%s] = %q, want %q", MetadataKey, md[MetadataKey], "abc2")
	}
}

func TestConcurrentMetadataSharesOneNegotiation(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	control := &fakeControl{
		startResult: StartResult{ID: "abc", Window: Window{Seconds: 5}},
		startGate:   gate,
		started:     started,
	}
	c := newTestCoordinator(control, &manualScheduler{})

	const n = 8
	var wg sync.WaitGroup
	results := make([]transport.Metadata, n)
	errs := make([]error, n)

	// First caller enters negotiation and blocks on the gate.
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Metadata(context.Background())
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("negotiation never started")
	}

	// Late callers must join the in-flight negotiation.
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Metadata(context.Background())
		}(i)
	}

	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i][MetadataKey] != "abc" {
			t.Errorf("caller %d: metadata = %v", i, results[i])
		}
	}
	if got := control.startCount(); got != 1 {
		t.Errorf("StartSession called %d times, want 1", got)
	}
}

func TestResetSuppressedDuringNegotiation(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	control := &fakeControl{
		startResult: StartResult{ID: "abc", Window: Window{Seconds: 5}},
		startGate:   gate,
		started:     started,
	}
	c := newTestCoordinator(control, &manualScheduler{})

	done := make(chan struct{})
	var md transport.Metadata
	var err error
	go func() {
		md, err = c.Metadata(context.Background())
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("negotiation never started")
	}

	// Reset mid-negotiation must not alter the eventual recorded state.
	c.Reset()

	close(gate)
	<-done

	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if md[MetadataKey] != "abc" {
		t.Errorf("metadata = %v, want session id abc", md)
	}
	if c.State() != SupportSupported {
		t.Errorf("state = %v, want supported", c.State())
	}
}

func TestHeartbeatSelfHealsOnClosedConnection(t *testing.T) {
	control := &fakeControl{
		startResult: StartResult{ID: "abc", Window: Window{Seconds: 5}},
	}
	sched := &manualScheduler{}
	c := newTestCoordinator(control, sched)

	if _, err := c.Metadata(context.Background()); err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}

	control.mu.Lock()
	control.beatErr = transport.ErrChannelClosed
	control.mu.Unlock()

	if cont := sched.tick(); cont {
		t.Error("heartbeat loop should stop after connection-closed failure")
	}
	if c.State() != SupportUnknown {
		t.Errorf("state = %v, want unknown after self-heal reset", c.State())
	}

	// Next metadata request renegotiates, resuming the old id.
	control.mu.Lock()
	control.beatErr = nil
	control.startResult = StartResult{ID: "abc2", Window: Window{Seconds: 5}}
	control.mu.Unlock()

	md, err := c.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata after self-heal failed: %v", err)
	}
	if got := control.lastResume(); got != "abc" {
		t.Errorf("resume = %q, want %q", got, "abc")
	}
	if md[MetadataKey] != "abc2" {
		t.Errorf("metadata = %v, want session id abc2", md)
	}
}

func TestHeartbeatTransientFailureSwallowed(t *testing.T) {
	control := &fakeControl{
		startResult: StartResult{ID: "abc", Window: Window{Seconds: 5}},
	}
	sched := &manualScheduler{}
	c := newTestCoordinator(control, sched)

	if _, err := c.Metadata(context.Background()); err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}

	control.mu.Lock()
	control.beatErr = errors.New("temporarily grumpy")
	control.mu.Unlock()

	if cont := sched.tick(); !cont {
		t.Error("heartbeat loop should continue after a transient failure")
	}
	if c.State() != SupportSupported {
		t.Errorf("state = %v, want supported", c.State())
	}
}

func TestHeartbeatStopsAfterReset(t *testing.T) {
	control := &fakeControl{
		startResult: StartResult{ID: "abc", Window: Window{Seconds: 5}},
	}
	sched := &manualScheduler{}
	c := newTestCoordinator(control, sched)

	if _, err := c.Metadata(context.Background()); err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}

	c.Reset()

	beats := len(control.beatCalls)
	if cont := sched.tick(); cont {
		t.Error("heartbeat tick after reset should be a no-op and stop the loop")
	}
	control.mu.Lock()
	after := len(control.beatCalls)
	control.mu.Unlock()
	if after != beats {
		t.Errorf("heartbeat sent after reset: %d -> %d", beats, after)
	}
}

func TestWindowDuration(t *testing.T) {
	w := Window{Seconds: 2, Nanos: 500_000_000}
	if got := w.Duration(); got != 2500*time.Millisecond {
		t.Errorf("Duration = %v, want 2.5s", got)
	}
	if !(Window{}).IsZero() {
		t.Error("zero window should report IsZero")
	}
	if (Window{Seconds: 1}).IsZero() {
		t.Error("non-zero window should not report IsZero")
	}
}
