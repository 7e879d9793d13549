package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"archer-volume.klederson.com/internal/config"
	"archer-volume.klederson.com/internal/logger"
	"tinygo.org/x/bluetooth"
)

// Bluetooth SIG Volume Control Service and its characteristics.
var (
	volumeControlService = bluetooth.New16BitUUID(0x1844)
	volumeStateChar      = bluetooth.New16BitUUID(0x2B7D)
	volumeControlPoint   = bluetooth.New16BitUUID(0x2B7E)
)

const opSetAbsoluteVolume = 0x04

// gattConn is the part of a connected tinygo device the adapter uses.
type gattConn interface {
	Disconnect() error
	DiscoverServices(uuids []bluetooth.UUID) ([]bluetooth.DeviceService, error)
}

type signalSample struct {
	rssi float64
	at   time.Time
}

// Adapter is the live Platform backed by tinygo.org/x/bluetooth.
//
// Signal strength of a connected speaker comes from its advertisements: a
// passive scan runs for the whole connection and the latest RSSI per address
// is cached. Readings older than config.SignalStale are rejected.
type Adapter struct {
	name    string
	adapter *bluetooth.Adapter
	radio   radio
	log     *logger.Logger

	mu       sync.Mutex
	enabled  bool
	scanning bool
	seen     map[string]bluetooth.Address
	signals  map[string]signalSample
	conn     gattConn
	connID   string
	volume   bluetooth.DeviceCharacteristic
	state    bluetooth.DeviceCharacteristic
	hasVCS   bool
}

// NewAdapter creates a live platform. name is informational; tinygo picks
// the default controller (hci0 on Linux).
func NewAdapter(name string, log *logger.Logger) *Adapter {
	return &Adapter{
		name:    name,
		adapter: bluetooth.DefaultAdapter,
		radio:   newRadio(),
		log:     log.With("adapter", name),
		seen:    make(map[string]bluetooth.Address),
		signals: make(map[string]signalSample),
	}
}

func (a *Adapter) Initialize(ctx context.Context) error {
	err := runWithContext(ctx, a.adapter.Enable)
	if err != nil {
		return Classify("initialize", fmt.Errorf("enable %s: %w", a.name, err))
	}
	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()
	return nil
}

// IsEnabled reports whether the controller is usable. When BlueZ tools are
// installed the power state is taken from them, since tinygo keeps
// reporting an enabled adapter after the radio was switched off.
func (a *Adapter) IsEnabled(ctx context.Context) bool {
	a.mu.Lock()
	enabled := a.enabled
	a.mu.Unlock()
	if !enabled || !a.radio.available() {
		return enabled
	}
	info, err := a.radio.show(ctx)
	if err != nil {
		a.log.Debugw("controller state unknown", "err", err)
		return enabled
	}
	return info.Powered && !info.Blocked
}

// RequestEnable powers the controller on and enables it again. There is no
// OS permission prompt on Linux; a refusal shows up as a permission error
// from BlueZ.
func (a *Adapter) RequestEnable(ctx context.Context) (bool, error) {
	if a.radio.available() {
		if err := a.radio.powerOn(ctx); err != nil {
			if KindOf(err) == KindPermissionDenied {
				return false, nil
			}
			return false, err
		}
		a.log.Infow("controller powered on")
	}
	if err := a.Initialize(ctx); err != nil {
		if KindOf(err) == KindPermissionDenied {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *Adapter) Scan(ctx context.Context) (<-chan DeviceDescriptor, error) {
	if !a.IsEnabled(ctx) {
		return nil, NewError(KindBluetoothUnavailable, "scan", errors.New("adapter not enabled"))
	}
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil, NewError(KindConnectionFailed, "scan", errors.New("scan already in progress"))
	}
	a.scanning = true
	a.mu.Unlock()

	out := make(chan DeviceDescriptor, 16)
	reported := make(map[string]bool)
	done := make(chan struct{})

	go func() {
		defer close(out)
		defer close(done)
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			mac := result.Address.String()
			a.mu.Lock()
			a.seen[mac] = result.Address
			a.signals[mac] = signalSample{rssi: float64(result.RSSI), at: time.Now()}
			a.mu.Unlock()

			if reported[mac] || ctx.Err() != nil {
				return
			}
			name := result.LocalName()
			if name == "" {
				v, ok := vendorOf(result)
				if !ok || !v.Audio {
					// anonymous beacons are never speakers
					return
				}
				name = v.Name + " " + mac[len(mac)-5:]
			}
			reported[mac] = true
			select {
			case out <- DeviceDescriptor{ID: mac, Name: name, Signal: float64(result.RSSI)}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			a.log.Warnw("scan ended with error", "err", err)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
		<-done
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()

	return out, nil
}

func vendorOf(result bluetooth.ScanResult) (Vendor, bool) {
	mfrs := result.ManufacturerData()
	if len(mfrs) == 0 {
		return Vendor{}, false
	}
	return LookupVendor(mfrs[0].CompanyID)
}

func (a *Adapter) Connect(ctx context.Context, id string) error {
	a.mu.Lock()
	addr, ok := a.seen[id]
	a.mu.Unlock()
	if !ok {
		return NewError(KindConnectionFailed, "connect", fmt.Errorf("device %s was not discovered", id))
	}

	// Discovery must be fully stopped before BlueZ accepts a connection.
	_ = a.adapter.StopScan()

	var conn gattConn
	err := runWithContext(ctx, func() error {
		dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			return err
		}
		conn = dev
		return nil
	})
	if err != nil {
		return NewError(KindConnectionFailed, "connect", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.connID = id
	a.mu.Unlock()

	if err := a.discoverVolumeControl(conn); err != nil {
		a.log.Infow("speaker has no volume control service", "device", id, "err", err)
	}

	a.startMonitor(id)
	return nil
}

func (a *Adapter) discoverVolumeControl(conn gattConn) error {
	services, err := conn.DiscoverServices([]bluetooth.UUID{volumeControlService})
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return errors.New("service not found")
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{volumeStateChar, volumeControlPoint})
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	found := 0
	for _, c := range chars {
		switch c.UUID() {
		case volumeStateChar:
			a.state = c
			found++
		case volumeControlPoint:
			a.volume = c
			found++
		}
	}
	a.hasVCS = found == 2
	if !a.hasVCS {
		return errors.New("characteristics missing")
	}
	return nil
}

// startMonitor keeps a passive scan running so advertisement RSSI of the
// connected speaker stays fresh.
func (a *Adapter) startMonitor(id string) {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return
	}
	a.scanning = true
	a.mu.Unlock()

	go func() {
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			mac := result.Address.String()
			if mac != id {
				return
			}
			a.mu.Lock()
			a.signals[mac] = signalSample{rssi: float64(result.RSSI), at: time.Now()}
			a.mu.Unlock()
		})
		if err != nil {
			a.log.Debugw("signal monitor stopped", "err", err)
		}
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()
}

func (a *Adapter) Disconnect(ctx context.Context, id string) error {
	a.mu.Lock()
	conn := a.conn
	if a.connID != id {
		conn = nil
	}
	a.conn = nil
	a.connID = ""
	a.hasVCS = false
	delete(a.signals, id)
	a.mu.Unlock()

	_ = a.adapter.StopScan()
	if conn == nil {
		return nil
	}
	if err := runWithContext(ctx, conn.Disconnect); err != nil {
		return Classify("disconnect", err)
	}
	return nil
}

func (a *Adapter) ReadSignal(ctx context.Context, id string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	s, ok := a.signals[id]
	a.mu.Unlock()
	if !ok || time.Since(s.at) > config.SignalStale {
		return 0, NewError(KindUnknown, "read signal", fmt.Errorf("no recent advertisement from %s", id))
	}
	return s.rssi, nil
}

// SetVolume writes Set Absolute Volume to the speaker's Volume Control
// Point. The 1..10 level is scaled onto the 0..255 volume setting.
func (a *Adapter) SetVolume(ctx context.Context, level int) error {
	a.mu.Lock()
	hasVCS, state, point := a.hasVCS, a.state, a.volume
	a.mu.Unlock()
	if !hasVCS {
		return NewError(KindDispatchFailed, "set volume", errors.New("speaker does not expose volume control"))
	}

	return runWithContext(ctx, func() error {
		buf := make([]byte, 3)
		n, err := state.Read(buf)
		if err != nil || n < 3 {
			return NewError(KindDispatchFailed, "set volume", fmt.Errorf("read volume state: %v", err))
		}
		setting := byte(level * 255 / config.VolumeCeil)
		if _, err := point.WriteWithoutResponse([]byte{opSetAbsoluteVolume, buf[2], setting}); err != nil {
			return NewError(KindDispatchFailed, "set volume", err)
		}
		return nil
	})
}

// runWithContext runs a blocking adapter call and gives up when ctx ends.
// The call itself keeps running in the background; tinygo offers no way to
// cancel it.
func runWithContext(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
