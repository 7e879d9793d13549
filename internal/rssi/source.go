package rssi

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Source supplies raw signal samples for a connected device. The live and
// simulated variants are picked once at construction; nothing downstream
// knows which one it is talking to.
type Source interface {
	ReadSignal(ctx context.Context, deviceID string) (float64, error)
	Simulated() bool
}

// Reader is the subset of the Bluetooth platform a live source needs.
type Reader interface {
	ReadSignal(ctx context.Context, deviceID string) (float64, error)
}

type liveSource struct {
	r Reader
}

// Live returns a Source backed by real platform readings.
func Live(r Reader) Source {
	return liveSource{r: r}
}

func (s liveSource) ReadSignal(ctx context.Context, deviceID string) (float64, error) {
	return s.r.ReadSignal(ctx, deviceID)
}

func (liveSource) Simulated() bool { return false }

// SimulatedSource produces a slow sinusoid with uniform noise, roughly what a
// speaker sounds like while an archer walks to the target and back.
type SimulatedSource struct {
	Base      float64       // center of the wave (dBm)
	Amplitude float64       // peak deviation (dBm)
	Period    time.Duration // time for one radian of phase
	Noise     float64       // width of the uniform noise band (dBm)

	mu    sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
	start time.Time
}

// NewSimulated returns the default simulated source.
func NewSimulated() *SimulatedSource {
	return &SimulatedSource{
		Base:      -50,
		Amplitude: 20,
		Period:    5 * time.Second,
		Noise:     5,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

func (s *SimulatedSource) ReadSignal(ctx context.Context, _ string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.start.IsZero() {
		s.start = now
	}
	t := float64(now.Sub(s.start)) / float64(s.Period)
	return s.Base + s.Amplitude*math.Sin(t) + s.rng.Float64()*s.Noise, nil
}

func (*SimulatedSource) Simulated() bool { return true }
