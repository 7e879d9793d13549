package control

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"archer-volume.klederson.com/internal/bluetooth"
	"archer-volume.klederson.com/internal/config"
	"archer-volume.klederson.com/internal/logger"
	"archer-volume.klederson.com/internal/rssi"
	"archer-volume.klederson.com/internal/volume"
	"github.com/google/uuid"
)

// Options configures a Controller. Only Platform is required.
type Options struct {
	Platform bluetooth.Platform
	Source   rssi.Source  // defaults to rssi.Live(Platform)
	Sink     volume.Sink  // defaults to a device sink on Platform
	Log      *logger.Logger

	Range          volume.Range // defaults to volume.DefaultRange
	AutoMode       bool
	TargetDistance int // defaults to config.DefaultTargetDistance
	InitialVolume  int // 0 disables the dispatch on connect
	DeviceFilter   string

	SampleInterval time.Duration
	ScanTimeout    time.Duration
	OpTimeout      time.Duration
	NewTicker      TickerFunc
}

func (o *Options) applyDefaults() error {
	if o.Platform == nil {
		return errors.New("control: platform is required")
	}
	if o.Source == nil {
		o.Source = rssi.Live(o.Platform)
	}
	if o.Sink == nil {
		o.Sink = volume.NewDeviceSink(o.Platform)
	}
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	if o.Range == (volume.Range{}) {
		o.Range = volume.DefaultRange
	}
	if err := o.Range.Validate(); err != nil {
		return err
	}
	if o.TargetDistance == 0 {
		o.TargetDistance = config.DefaultTargetDistance
	}
	if err := validateDistance(o.TargetDistance); err != nil {
		return err
	}
	if err := validateInitial(o.InitialVolume); err != nil {
		return err
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = config.SampleInterval
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = config.ScanTimeout
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = config.OpTimeout
	}
	if o.NewTicker == nil {
		o.NewTicker = NewTimeTicker
	}
	return nil
}

// Controller owns the connection state machine, the smoother and the
// automatic volume loop. It is created once by the application root and
// shared by reference with the presentation layer.
//
// One mutex guards all mutable state. Platform and sink calls run without
// it; their results are applied only if the sampler generation that issued
// them is still current.
type Controller struct {
	platform bluetooth.Platform
	source   rssi.Source
	sink     volume.Sink
	log      *logger.Logger
	opts     Options

	mu          sync.Mutex
	state       State
	device      *bluetooth.Device
	session     string
	connectedAt time.Time
	lastErr     error
	target      int
	initial     int
	smoother    *rssi.Smoother
	loop        *Loop
	signal      float64
	hasSignal   bool
	sampler     *sampler
	samplerGen  uint64
	attempt     context.CancelFunc
	attemptGen  uint64
	lifecycle   uint64
	teardown    chan struct{}

	signalObs observers[float64]
	volumeObs observers[int]
	stateObs  observers[State]
	errorObs  observers[error]
}

// New creates a controller in StateUninitialized.
func New(opts Options) (*Controller, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	return &Controller{
		platform: opts.Platform,
		source:   opts.Source,
		sink:     opts.Sink,
		log:      opts.Log,
		opts:     opts,
		target:   opts.TargetDistance,
		initial:  opts.InitialVolume,
		smoother: rssi.NewSmoother(),
		loop:     NewLoop(opts.Range, opts.AutoMode),
	}, nil
}

// Signal, volume and dispatch-error callbacks run on the sampling
// goroutine. They must not call Disconnect, SetVolume or SetVolumeRange
// directly, since those wait for that goroutine; hand such work to another
// goroutine instead.

// OnSignalUpdate subscribes to significant smoothed-signal updates.
func (c *Controller) OnSignalUpdate(fn func(signal float64)) (unsubscribe func()) {
	return c.signalObs.add(fn)
}

// OnVolumeDispatched subscribes to levels accepted by the sink.
func (c *Controller) OnVolumeDispatched(fn func(level int)) (unsubscribe func()) {
	return c.volumeObs.add(fn)
}

// OnStateChange subscribes to lifecycle transitions.
func (c *Controller) OnStateChange(fn func(State)) (unsubscribe func()) {
	return c.stateObs.add(fn)
}

// OnError subscribes to errors that need the user's attention.
func (c *Controller) OnError(fn func(error)) (unsubscribe func()) {
	return c.errorObs.add(fn)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectedDevice returns the connected speaker, if any.
func (c *Controller) ConnectedDevice() (bluetooth.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return bluetooth.Device{}, false
	}
	return *c.device, true
}

// LastError returns the most recent reported error.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Status returns a snapshot for display.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:          c.state,
		Session:        c.session,
		AutoMode:       c.loop.Auto(),
		Range:          c.loop.Range(),
		TargetDistance: c.target,
		InitialVolume:  c.initial,
		Signal:         config.IdleSignal,
		HasSignal:      c.hasSignal,
		Volume:         c.loop.Last(),
		Simulated:      c.source.Simulated(),
		Sink:           c.sink.Name(),
		LastError:      c.lastErr,
		ConnectedAt:    c.connectedAt,
	}
	if c.hasSignal {
		st.Signal = c.signal
	}
	if c.device != nil {
		st.Device = *c.device
		st.Connected = true
	}
	return st
}

// Start initializes the platform: Uninitialized -> Initializing -> Ready,
// or PermissionsRequired when access is missing.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		s := c.state
		c.mu.Unlock()
		return invalidState("start", s)
	}
	c.state = StateInitializing
	c.lastErr = nil
	c.lifecycle++
	gen := c.lifecycle
	c.mu.Unlock()

	c.stateObs.emit(StateInitializing)
	return c.initialize(ctx, gen)
}

// initialize applies its result only if no reset or newer attempt has
// happened since gen was taken.
func (c *Controller) initialize(ctx context.Context, gen uint64) error {
	octx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	err := c.platform.Initialize(octx)
	enabled := err == nil && c.platform.IsEnabled(octx)
	cancel()

	next := StateReady
	switch {
	case err != nil:
		err = bluetooth.Classify("initialize", err)
		next = StateUninitialized
		if bluetooth.KindOf(err) == bluetooth.KindPermissionDenied {
			next = StatePermissionsRequired
		}
	case !enabled:
		err = bluetooth.NewError(bluetooth.KindBluetoothUnavailable, "initialize", errors.New("bluetooth is turned off"))
		next = StatePermissionsRequired
	}

	c.mu.Lock()
	if c.lifecycle != gen || c.state != StateInitializing {
		c.mu.Unlock()
		return fmt.Errorf("initialize: %w", ErrInterrupted)
	}
	c.state = next
	c.lastErr = err
	c.mu.Unlock()

	if err != nil {
		c.log.Warnw("bluetooth initialization failed", "err", err, "state", next)
	} else {
		c.log.Infow("bluetooth ready")
	}
	c.stateObs.emit(next)
	if err != nil {
		c.errorObs.emit(err)
	}
	return err
}

// RequestPermissions asks the platform to enable Bluetooth and, when
// granted, retries initialization once.
func (c *Controller) RequestPermissions(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePermissionsRequired {
		s := c.state
		c.mu.Unlock()
		return invalidState("request permissions", s)
	}
	c.mu.Unlock()

	octx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	granted, err := c.platform.RequestEnable(octx)
	cancel()
	if err == nil && !granted {
		err = bluetooth.NewError(bluetooth.KindPermissionDenied, "request permissions", nil)
	}
	if err != nil {
		err = bluetooth.Classify("request permissions", err)
		c.report(err)
		return err
	}

	c.mu.Lock()
	if c.state != StatePermissionsRequired {
		c.mu.Unlock()
		return fmt.Errorf("request permissions: %w", ErrInterrupted)
	}
	c.state = StateInitializing
	c.lastErr = nil
	c.lifecycle++
	gen := c.lifecycle
	c.mu.Unlock()

	c.log.Infow("bluetooth permissions granted, reinitializing")
	c.stateObs.emit(StateInitializing)
	return c.initialize(ctx, gen)
}

// Connect scans for a speaker and connects to it: Ready -> Scanning ->
// Connected. The scan is capped at the configured scan timeout. On failure
// the controller returns to Ready and the error is reported once.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateReady {
		s := c.state
		c.mu.Unlock()
		return invalidState("connect", s)
	}
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	c.attemptGen++
	gen := c.attemptGen
	c.attempt = cancelAttempt
	c.state = StateScanning
	c.lastErr = nil
	c.mu.Unlock()
	defer cancelAttempt()

	c.stateObs.emit(StateScanning)
	c.log.Infow("scanning for speaker", "filter", c.opts.DeviceFilter, "timeout", c.opts.ScanTimeout)

	dev, err := c.discover(attemptCtx)
	if err == nil {
		octx, cancel := context.WithTimeout(attemptCtx, c.opts.OpTimeout)
		err = c.platform.Connect(octx, dev.ID)
		cancel()
		if err != nil {
			err = bluetooth.NewError(bluetooth.KindConnectionFailed, "connect", err)
		}
	}

	c.mu.Lock()
	if c.attemptGen != gen || c.state != StateScanning {
		// Disconnect or reset cancelled this attempt.
		c.mu.Unlock()
		if err == nil {
			c.disconnectPlatform(dev.ID)
		}
		return bluetooth.NewError(bluetooth.KindConnectionFailed, "connect", ErrInterrupted)
	}
	c.attempt = nil
	if err != nil {
		c.state = StateReady
		c.lastErr = err
		c.mu.Unlock()

		c.log.Warnw("connection failed", "err", err)
		c.stateObs.emit(StateReady)
		c.errorObs.emit(err)
		return err
	}

	c.state = StateConnected
	c.device = &dev
	c.session = uuid.NewString()
	c.connectedAt = time.Now()
	c.smoother.Reset()
	c.loop.Reset()
	c.loop.Start()
	c.hasSignal = false
	startErr := c.startSamplerLocked(dev.ID, c.initial)
	session := c.session
	c.mu.Unlock()

	if startErr != nil {
		c.log.Errorw("sampler not started", "err", startErr)
	}
	c.log.Infow("speaker connected", "session", session, "device", dev.DisplayName(), "id", dev.ID)
	c.stateObs.emit(StateConnected)
	return nil
}

// discover returns the first scanned device that matches the filter.
func (c *Controller) discover(ctx context.Context) (bluetooth.Device, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.ScanTimeout)
	defer cancel()

	results, err := c.platform.Scan(sctx)
	if err != nil {
		return bluetooth.Device{}, bluetooth.Classify("scan", err)
	}
	for {
		select {
		case d, ok := <-results:
			if !ok {
				return bluetooth.Device{}, bluetooth.NewError(bluetooth.KindConnectionFailed, "scan", errors.New("scan ended without a speaker"))
			}
			if d.Matches(c.opts.DeviceFilter) {
				c.log.Debugw("speaker found", "device", d.Name, "id", d.ID, "signal", d.Signal)
				return d.Device(), nil
			}
		case <-sctx.Done():
			return bluetooth.Device{}, bluetooth.NewError(bluetooth.KindConnectionFailed, "scan",
				fmt.Errorf("no speaker found within %s: %w", c.opts.ScanTimeout, sctx.Err()))
		}
	}
}

// Disconnect leaves Scanning or Connected and returns to Ready. When
// connected, the sampler is stopped before Disconnect returns, so no sample
// or dispatch can happen afterwards. While another disconnect is running it
// waits for that one to finish. Calling it in other states is a no-op.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateScanning:
		cancel := c.attempt
		c.attempt = nil
		c.attemptGen++
		c.state = StateReady
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.log.Infow("scan cancelled")
		c.stateObs.emit(StateReady)
		return nil

	case StateConnected:
		c.state = StateDisconnecting
		dev := *c.device
		session := c.session
		s := c.sampler
		c.sampler = nil
		gen := c.lifecycle
		done := make(chan struct{})
		c.teardown = done
		c.mu.Unlock()
		defer close(done)

		c.stateObs.emit(StateDisconnecting)
		if s != nil {
			s.stop()
		}

		c.mu.Lock()
		if c.lifecycle == gen {
			c.clearConnectionLocked()
		}
		c.mu.Unlock()

		octx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		err := c.platform.Disconnect(octx, dev.ID)
		cancel()
		if err != nil {
			err = bluetooth.Classify("disconnect", err)
		}

		c.mu.Lock()
		if c.teardown == done {
			c.teardown = nil
		}
		if c.lifecycle != gen {
			// A reset gave up waiting and moved on; its state stands.
			c.mu.Unlock()
			c.log.Debugw("disconnect finished after reset", "session", session, "err", err)
			return err
		}
		c.state = StateReady
		if err != nil {
			c.lastErr = err
		}
		c.mu.Unlock()

		if err != nil {
			c.log.Warnw("speaker disconnect reported an error", "session", session, "err", err)
		} else {
			c.log.Infow("speaker disconnected", "session", session)
		}
		c.stateObs.emit(StateReady)
		if err != nil {
			c.errorObs.emit(err)
		}
		return err

	case StateDisconnecting:
		done := c.teardown
		c.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("disconnect: %w", ctx.Err())
		}

	default:
		c.mu.Unlock()
		return nil
	}
}

// clearConnectionLocked drops everything tied to the current connection.
func (c *Controller) clearConnectionLocked() {
	c.smoother.Reset()
	c.loop.Stop()
	c.loop.Reset()
	c.hasSignal = false
	c.device = nil
	c.session = ""
	c.connectedAt = time.Time{}
}

// Reset tears everything down and returns to Uninitialized. Work still in
// flight from before the reset cannot change the state afterwards.
func (c *Controller) Reset(ctx context.Context) error {
	err := c.Disconnect(ctx)

	c.mu.Lock()
	c.lifecycle++
	if c.sampler == nil {
		c.clearConnectionLocked()
	}
	if c.state == StateUninitialized {
		c.mu.Unlock()
		return err
	}
	c.state = StateUninitialized
	c.lastErr = nil
	c.mu.Unlock()

	c.stateObs.emit(StateUninitialized)
	return err
}

// Retry resets the controller and initializes again.
func (c *Controller) Retry(ctx context.Context) error {
	if err := c.Reset(ctx); err != nil {
		c.log.Debugw("reset before retry", "err", err)
	}
	return c.Start(ctx)
}

// Close is the lifecycle teardown.
func (c *Controller) Close(ctx context.Context) error {
	return c.Reset(ctx)
}

// SetAutoMode turns automatic volume control on or off. The flag is kept
// while disconnected but only acts while connected; turning it on does not
// dispatch by itself, the next significant signal change does.
func (c *Controller) SetAutoMode(on bool) {
	c.mu.Lock()
	c.loop.SetAuto(on)
	c.mu.Unlock()
	c.log.Infow("auto mode changed", "auto", on)
}

// SetVolumeRange changes the volume bounds. While connected in auto mode
// the current signal is mapped again right away.
func (c *Controller) SetVolumeRange(min, max int) error {
	r, err := volume.NewRange(min, max)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.loop.SetRange(r)
	s := c.sampler
	c.mu.Unlock()

	c.log.Infow("volume range changed", "range", r.String())
	if s != nil {
		s.submit(func(ctx context.Context) {
			c.mu.Lock()
			if !c.activeLocked(s.gen) {
				c.mu.Unlock()
				return
			}
			level, ok := c.loop.Recompute()
			c.mu.Unlock()
			if ok {
				_ = c.dispatch(ctx, s.gen, level)
			}
		})
	}
	return nil
}

// SetTargetDistance selects one of the preset shooting distances.
func (c *Controller) SetTargetDistance(meters int) error {
	if err := validateDistance(meters); err != nil {
		return err
	}
	c.mu.Lock()
	c.target = meters
	c.mu.Unlock()
	return nil
}

// SetInitialVolume sets the level sent right after connecting; 0 disables it.
func (c *Controller) SetInitialVolume(level int) error {
	if err := validateInitial(level); err != nil {
		return err
	}
	c.mu.Lock()
	c.initial = level
	c.mu.Unlock()
	return nil
}

// SetVolume sends a level chosen by the user (manual mode).
func (c *Controller) SetVolume(ctx context.Context, level int) error {
	if level < config.VolumeFloor || level > config.VolumeCeil {
		return fmt.Errorf("volume %d out of range %d-%d", level, config.VolumeFloor, config.VolumeCeil)
	}
	c.mu.Lock()
	s := c.sampler
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	errc := make(chan error, 1)
	manual := func(sctx context.Context) {
		if perr := c.safely("manual volume", func() { errc <- c.dispatch(sctx, s.gen, level) }); perr != nil {
			errc <- bluetooth.NewError(bluetooth.KindDispatchFailed, "set volume", perr)
		}
	}
	if !s.submit(manual) {
		return ErrNotConnected
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// report records and publishes an error without changing state.
func (c *Controller) report(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.log.Warnw("operation failed", "err", err)
	c.errorObs.emit(err)
}

func (c *Controller) disconnectPlatform(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.OpTimeout)
	defer cancel()
	if err := c.platform.Disconnect(ctx, id); err != nil {
		c.log.Debugw("cleanup disconnect failed", "id", id, "err", err)
	}
}

func validateDistance(m int) error {
	if !slices.Contains(config.TargetDistances, m) {
		return fmt.Errorf("target distance %dm not one of %v", m, config.TargetDistances)
	}
	return nil
}

func validateInitial(level int) error {
	if level != 0 && (level < config.VolumeFloor || level > config.VolumeCeil) {
		return fmt.Errorf("initial volume %d out of range %d-%d", level, config.VolumeFloor, config.VolumeCeil)
	}
	return nil
}
