package control

import "archer-volume.klederson.com/internal/volume"

// Loop decides when a smoothed signal update turns into a volume dispatch.
// It does no I/O and is not safe for concurrent use; the controller owns it
// and performs the dispatch.
//
// A level is only reported when the loop is running, auto mode is on and the
// mapped level differs from the last committed one. Levels are committed
// after the sink accepts them, so a failed dispatch is retried on the next
// significant update.
type Loop struct {
	rng       volume.Range
	auto      bool
	running   bool
	last      int
	signal    float64
	hasSignal bool
}

// NewLoop creates a stopped loop.
func NewLoop(r volume.Range, auto bool) *Loop {
	return &Loop{rng: r, auto: auto}
}

func (l *Loop) Start() { l.running = true }
func (l *Loop) Stop()  { l.running = false }

// Running reports whether Start was called without a later Stop.
func (l *Loop) Running() bool { return l.running }

// Reset forgets the last committed level and the last signal.
func (l *Loop) Reset() {
	l.last = 0
	l.signal = 0
	l.hasSignal = false
}

func (l *Loop) SetAuto(on bool) { l.auto = on }
func (l *Loop) Auto() bool      { return l.auto }

func (l *Loop) SetRange(r volume.Range) { l.rng = r }
func (l *Loop) Range() volume.Range     { return l.rng }

// Last returns the last committed level, 0 if none.
func (l *Loop) Last() int { return l.last }

// Next records a smoothed update and reports the level to dispatch, if any.
func (l *Loop) Next(signal float64) (int, bool) {
	l.signal = signal
	l.hasSignal = true
	return l.decide()
}

// Recompute re-evaluates the last signal, for use after the range changed.
func (l *Loop) Recompute() (int, bool) {
	if !l.hasSignal {
		return 0, false
	}
	return l.decide()
}

// Commit records a level the sink accepted.
func (l *Loop) Commit(level int) { l.last = level }

func (l *Loop) decide() (int, bool) {
	if !l.running || !l.auto {
		return 0, false
	}
	level := volume.Map(l.signal, l.rng)
	if level == l.last {
		return level, false
	}
	return level, true
}
