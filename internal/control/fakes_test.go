package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"archer-volume.klederson.com/internal/bluetooth"
	"archer-volume.klederson.com/internal/logger"
	"archer-volume.klederson.com/internal/volume"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	mu          sync.Mutex
	initErr     error
	initHook    func(context.Context) error
	enabled     bool
	grant       bool
	grantErr    error
	found       []bluetooth.DeviceDescriptor
	connectErr  error
	connects    []string
	disconnects []string

	// When set, Disconnect signals entered and then blocks until release
	// is closed.
	entered chan struct{}
	release chan struct{}
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		enabled: true,
		found:   []bluetooth.DeviceDescriptor{{ID: "AA:BB", Name: "Target Speaker", Signal: -55}},
	}
}

func (p *fakePlatform) Initialize(ctx context.Context) error {
	p.mu.Lock()
	hook, err := p.initHook, p.initErr
	p.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}
	return err
}

func (p *fakePlatform) IsEnabled(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *fakePlatform) RequestEnable(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grant, p.grantErr
}

// Scan sends the configured results and keeps the channel open until ctx
// ends, like a real scan that never finds anything else.
func (p *fakePlatform) Scan(ctx context.Context) (<-chan bluetooth.DeviceDescriptor, error) {
	p.mu.Lock()
	found := append([]bluetooth.DeviceDescriptor(nil), p.found...)
	p.mu.Unlock()

	out := make(chan bluetooth.DeviceDescriptor)
	go func() {
		defer close(out)
		for _, d := range found {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}

func (p *fakePlatform) Connect(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects = append(p.connects, id)
	return p.connectErr
}

func (p *fakePlatform) Disconnect(_ context.Context, id string) error {
	p.mu.Lock()
	p.disconnects = append(p.disconnects, id)
	entered, release := p.entered, p.release
	p.mu.Unlock()

	if release != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}
	return nil
}

func (p *fakePlatform) blockDisconnect() (entered <-chan struct{}, release chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entered = make(chan struct{}, 1)
	p.release = make(chan struct{})
	return p.entered, p.release
}

func (p *fakePlatform) ReadSignal(context.Context, string) (float64, error) {
	return 0, errors.New("fake platform has no signal")
}

func (p *fakePlatform) SetVolume(context.Context, int) error { return nil }

func (p *fakePlatform) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connects)
}

// fakeSource returns queued samples, one per read. Each of the first
// panics reads panics instead.
type fakeSource struct {
	mu      sync.Mutex
	samples []float64
	panics  int
}

func (s *fakeSource) push(v ...float64) {
	s.mu.Lock()
	s.samples = append(s.samples, v...)
	s.mu.Unlock()
}

func (s *fakeSource) ReadSignal(ctx context.Context, _ string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics > 0 {
		s.panics--
		panic("radio driver crashed")
	}
	if len(s.samples) == 0 {
		return 0, errors.New("no sample queued")
	}
	v := s.samples[0]
	s.samples = s.samples[1:]
	return v, nil
}

func (*fakeSource) Simulated() bool { return true }

// stallingSource blocks every read until the test hands it a value. It
// ignores ctx, like a driver call that cannot be interrupted.
type stallingSource struct {
	reading chan struct{}
	values  chan float64
}

func newStallingSource() *stallingSource {
	return &stallingSource{reading: make(chan struct{}, 1), values: make(chan float64)}
}

func (s *stallingSource) ReadSignal(context.Context, string) (float64, error) {
	s.reading <- struct{}{}
	return <-s.values, nil
}

func (*stallingSource) Simulated() bool { return false }

type fakeSink struct {
	mu      sync.Mutex
	levels  []int
	err     error
	panicOn int
}

func (s *fakeSink) SetVolume(_ context.Context, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level == s.panicOn {
		panic("sink crashed")
	}
	if s.err != nil {
		return s.err
	}
	s.levels = append(s.levels, level)
	return nil
}

func (*fakeSink) Name() string { return "fake" }

func (s *fakeSink) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSink) got() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.levels...)
}

// manualTicker only fires when the test says so. Sends are unbuffered, so
// a returned tick() means the sampler has picked it up.
type manualTicker struct {
	ch      chan time.Time
	created atomic.Int32
	stopped atomic.Bool
}

func (m *manualTicker) factory(time.Duration) Ticker {
	m.created.Add(1)
	return m
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

type harness struct {
	c        *Controller
	platform *fakePlatform
	source   *fakeSource
	sink     *fakeSink
	ticker   *manualTicker
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		platform: newFakePlatform(),
		source:   &fakeSource{},
		sink:     &fakeSink{},
		ticker:   &manualTicker{ch: make(chan time.Time)},
	}
	opts := Options{
		Platform:    h.platform,
		Source:      h.source,
		Sink:        h.sink,
		Log:         logger.Nop(),
		Range:       volume.Range{Min: 1, Max: 10},
		ScanTimeout: time.Second,
		OpTimeout:   time.Second,
		NewTicker:   h.ticker.factory,
	}
	if configure != nil {
		configure(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return h
}

// connect drives the controller from Uninitialized to Connected.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.c.Start(ctx))
	require.Equal(t, StateReady, h.c.State())
	require.NoError(t, h.c.Connect(ctx))
	require.Equal(t, StateConnected, h.c.State())
}

// feed queues samples and ticks once per sample, then waits until the
// sampler has finished with all of them.
func (h *harness) feed(t *testing.T, samples ...float64) {
	t.Helper()
	h.source.push(samples...)
	for range samples {
		h.ticker.ch <- time.Now()
	}
	h.flush(t)
}

// flush waits until the sampler goroutine is idle.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	h.c.mu.Lock()
	s := h.c.sampler
	h.c.mu.Unlock()
	require.NotNil(t, s, "no sampler running")

	done := make(chan struct{})
	require.True(t, s.submit(func(context.Context) { close(done) }))
	<-done
}

// recorder collects controller events.
type recorder struct {
	mu      sync.Mutex
	signals []float64
	volumes []int
	states  []State
	errs    []error
}

func record(c *Controller) *recorder {
	r := &recorder{}
	c.OnSignalUpdate(func(v float64) { r.mu.Lock(); r.signals = append(r.signals, v); r.mu.Unlock() })
	c.OnVolumeDispatched(func(v int) { r.mu.Lock(); r.volumes = append(r.volumes, v); r.mu.Unlock() })
	c.OnStateChange(func(s State) { r.mu.Lock(); r.states = append(r.states, s); r.mu.Unlock() })
	c.OnError(func(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() })
	return r
}

func (r *recorder) snapshot() (signals []float64, volumes []int, states []State, errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.signals...), append([]int(nil), r.volumes...),
		append([]State(nil), r.states...), append([]error(nil), r.errs...)
}
