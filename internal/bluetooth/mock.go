package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"archer-volume.klederson.com/internal/config"
)

var mockSpeakerNames = []string{
	"JBL Flip 6",
	"JBL Charge 5",
	"Bose SoundLink Flex",
	"Sony SRS-XB23",
	"Anker Soundcore 2",
	"UE Boom 3",
	"Marshall Emberton",
	"Tribit StormBox",
}

type mockSpeaker struct {
	id        string
	name      string
	baseRSSI  float64
	phase     float64
	amplitude float64
}

// Mock is a demo Platform with a handful of fake speakers. Connected
// speakers drift in and out with a slow sinusoid plus noise, and SetVolume
// just records the level.
type Mock struct {
	mu        sync.Mutex
	rng       *rand.Rand
	speakers  []mockSpeaker
	enabled   bool
	connected string
	volume    int
	start     time.Time
	scanDelay time.Duration
}

// NewMock creates a mock platform with a random set of speakers.
func NewMock() *Mock {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	n := config.DemoSpeakerMin + rng.Intn(config.DemoSpeakerMax-config.DemoSpeakerMin+1)

	speakers := make([]mockSpeaker, 0, n)
	for _, i := range rng.Perm(len(mockSpeakerNames))[:n] {
		speakers = append(speakers, mockSpeaker{
			id:        randomMAC(rng),
			name:      mockSpeakerNames[i],
			baseRSSI:  -45 - rng.Float64()*30, // -45 to -75 dBm
			phase:     rng.Float64() * 2 * math.Pi,
			amplitude: 10 + rng.Float64()*15,
		})
	}
	return &Mock{
		rng:       rng,
		speakers:  speakers,
		start:     time.Now(),
		scanDelay: 400 * time.Millisecond,
	}
}

func (m *Mock) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
	return nil
}

func (m *Mock) IsEnabled(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *Mock) RequestEnable(ctx context.Context) (bool, error) {
	return true, m.Initialize(ctx)
}

// Scan reports each speaker once, spaced by a short delay.
func (m *Mock) Scan(ctx context.Context) (<-chan DeviceDescriptor, error) {
	if !m.IsEnabled(ctx) {
		return nil, NewError(KindBluetoothUnavailable, "scan", errors.New("adapter not enabled"))
	}
	m.mu.Lock()
	speakers := append([]mockSpeaker(nil), m.speakers...)
	m.mu.Unlock()

	out := make(chan DeviceDescriptor)
	go func() {
		defer close(out)
		for _, s := range speakers {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.scanDelay):
			}
			d := DeviceDescriptor{ID: s.id, Name: s.name, Signal: m.signal(s)}
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

func (m *Mock) Connect(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.find(id); !ok {
		return NewError(KindConnectionFailed, "connect", fmt.Errorf("unknown device %s", id))
	}
	m.connected = id
	return nil
}

func (m *Mock) Disconnect(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected == id {
		m.connected = ""
	}
	return nil
}

func (m *Mock) ReadSignal(ctx context.Context, id string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected != id {
		return 0, NewError(KindConnectionFailed, "read signal", fmt.Errorf("%s not connected", id))
	}
	s, _ := m.find(id)
	return m.signalLocked(s), nil
}

func (m *Mock) SetVolume(ctx context.Context, level int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected == "" {
		return NewError(KindDispatchFailed, "set volume", errors.New("no speaker connected"))
	}
	m.volume = level
	return nil
}

// Volume returns the last level set.
func (m *Mock) Volume() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

func (m *Mock) find(id string) (mockSpeaker, bool) {
	for _, s := range m.speakers {
		if s.id == id {
			return s, true
		}
	}
	return mockSpeaker{}, false
}

func (m *Mock) signal(s mockSpeaker) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signalLocked(s)
}

func (m *Mock) signalLocked(s mockSpeaker) float64 {
	t := time.Since(m.start).Seconds()
	rssi := s.baseRSSI + s.amplitude*math.Sin(t*0.2+s.phase) + (m.rng.Float64()-0.5)*4
	return math.Min(rssi, -20)
}

func randomMAC(rng *rand.Rand) string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = byte(rng.Intn(256))
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}
