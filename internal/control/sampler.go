package control

import (
	"context"
	"fmt"
	"time"

	"archer-volume.klederson.com/internal/bluetooth"
)

// Ticker is the part of time.Ticker the sampler needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates the sampler's ticker.
type TickerFunc func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the default TickerFunc.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// sampler is one connection's sampling goroutine. Every sink dispatch of
// the connection runs on it, so stopping the sampler also ends dispatching.
type sampler struct {
	gen      uint64
	deviceID string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	reqs     chan func(context.Context)
}

// submit hands fn to the sampler goroutine. It reports false if the sampler
// has already exited.
func (s *sampler) submit(fn func(context.Context)) bool {
	select {
	case s.reqs <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *sampler) stop() {
	s.cancel()
	<-s.done
}

// startSamplerLocked launches the sampler for deviceID. c.mu must be held.
func (c *Controller) startSamplerLocked(deviceID string, initial int) error {
	if c.sampler != nil {
		return ErrSamplerActive
	}
	c.samplerGen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &sampler{
		gen:      c.samplerGen,
		deviceID: deviceID,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		reqs:     make(chan func(context.Context)),
	}
	c.sampler = s
	go c.runSampler(s, initial)
	return nil
}

// activeLocked reports whether gen is still the running sampler.
func (c *Controller) activeLocked(gen uint64) bool {
	return c.sampler != nil && c.sampler.gen == gen
}

func (c *Controller) runSampler(s *sampler, initial int) {
	defer close(s.done)

	ticker := c.opts.NewTicker(c.opts.SampleInterval)
	defer ticker.Stop()

	if initial > 0 {
		_ = c.safely("initial volume", func() {
			if err := c.dispatch(s.ctx, s.gen, initial); err == nil {
				c.log.Debugw("initial volume sent", "level", initial)
			}
		})
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.reqs:
			_ = c.safely("sampler request", func() { fn(s.ctx) })
		case <-ticker.C():
			_ = c.safely("signal sample", func() { c.sampleOnce(s) })
		}
	}
}

// safely runs fn and turns a panic into an error so the sampler keeps going.
func (c *Controller) safely(what string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw(what+" panicked", "panic", r)
			err = fmt.Errorf("%s panicked: %v", what, r)
		}
	}()
	fn()
	return nil
}

// sampleOnce reads one raw sample and pushes it through the smoother and
// the loop. A failed read means no update for this tick.
func (c *Controller) sampleOnce(s *sampler) {
	raw, err := c.read(s)
	if err != nil {
		if s.ctx.Err() == nil {
			c.log.Debugw("signal read failed", "err", err)
		}
		return
	}

	c.mu.Lock()
	if !c.activeLocked(s.gen) {
		c.mu.Unlock()
		return
	}
	smoothed, ok := c.smoother.Observe(raw)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.signal = smoothed
	c.hasSignal = true
	level, send := c.loop.Next(smoothed)
	c.mu.Unlock()

	c.signalObs.emit(smoothed)
	if send {
		_ = c.dispatch(s.ctx, s.gen, level)
	}
}

func (c *Controller) read(s *sampler) (float64, error) {
	ctx, cancel := context.WithTimeout(s.ctx, c.opts.OpTimeout)
	defer cancel()
	return c.source.ReadSignal(ctx, s.deviceID)
}

// dispatch sends level to the sink and commits it once accepted. It must
// run on the sampler goroutine of gen. A failure is reported but leaves the
// connection up.
func (c *Controller) dispatch(ctx context.Context, gen uint64, level int) error {
	c.mu.Lock()
	active := c.activeLocked(gen)
	session := c.session
	c.mu.Unlock()
	if !active || ctx.Err() != nil {
		return ErrNotConnected
	}

	octx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	err := c.sink.SetVolume(octx, level)
	cancel()

	c.mu.Lock()
	if !c.activeLocked(gen) {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if err != nil {
		err = bluetooth.NewError(bluetooth.KindDispatchFailed, "set volume", err)
		c.lastErr = err
		c.mu.Unlock()

		c.log.Warnw("volume dispatch failed", "session", session, "level", level, "sink", c.sink.Name(), "err", err)
		c.errorObs.emit(err)
		return err
	}
	c.loop.Commit(level)
	c.mu.Unlock()

	c.log.Infow("volume set", "session", session, "level", level, "sink", c.sink.Name())
	c.volumeObs.emit(level)
	return nil
}
