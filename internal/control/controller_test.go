package control

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"archer-volume.klederson.com/internal/bluetooth"
	"archer-volume.klederson.com/internal/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresPlatform(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNew_RejectsBadOptions(t *testing.T) {
	p := newFakePlatform()
	_, err := New(Options{Platform: p, Range: volume.Range{Min: 7, Max: 3}})
	assert.Error(t, err)
	_, err = New(Options{Platform: p, TargetDistance: 30})
	assert.Error(t, err)
	_, err = New(Options{Platform: p, InitialVolume: 11})
	assert.Error(t, err)
}

func TestStart_ReachesReady(t *testing.T) {
	h := newHarness(t, nil)
	rec := record(h.c)

	require.NoError(t, h.c.Start(context.Background()))
	assert.Equal(t, StateReady, h.c.State())

	_, _, states, errs := rec.snapshot()
	assert.Equal(t, []State{StateInitializing, StateReady}, states)
	assert.Empty(t, errs)

	assert.ErrorIs(t, h.c.Start(context.Background()), ErrInvalidState)
}

func TestStart_UnavailableGoesBackToUninitialized(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.initErr = errors.New("no adapter found")

	err := h.c.Start(context.Background())
	assert.ErrorIs(t, err, bluetooth.ErrBluetoothUnavailable)
	assert.Equal(t, StateUninitialized, h.c.State())
	assert.Equal(t, err, h.c.LastError())
}

func TestPermissionFlow(t *testing.T) {
	h := newHarness(t, nil)
	rec := record(h.c)
	ctx := context.Background()
	h.platform.initErr = errors.New("Permission denied by system")

	err := h.c.Start(ctx)
	require.ErrorIs(t, err, bluetooth.ErrPermissionDenied)
	require.Equal(t, StatePermissionsRequired, h.c.State())

	// Connecting is not possible until permissions are sorted out.
	assert.ErrorIs(t, h.c.Connect(ctx), ErrInvalidState)

	// The user declines.
	err = h.c.RequestPermissions(ctx)
	assert.ErrorIs(t, err, bluetooth.ErrPermissionDenied)
	assert.Equal(t, StatePermissionsRequired, h.c.State())

	// The user grants and the platform comes up.
	h.platform.mu.Lock()
	h.platform.grant = true
	h.platform.initErr = nil
	h.platform.mu.Unlock()

	require.NoError(t, h.c.RequestPermissions(ctx))
	assert.Equal(t, StateReady, h.c.State())
	assert.NoError(t, h.c.LastError())

	_, _, states, errs := rec.snapshot()
	assert.Equal(t, []State{
		StateInitializing, StatePermissionsRequired,
		StateInitializing, StateReady,
	}, states)
	assert.Len(t, errs, 2)
}

func TestStart_RadioOffNeedsPermission(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.enabled = false

	err := h.c.Start(context.Background())
	assert.ErrorIs(t, err, bluetooth.ErrBluetoothUnavailable)
	assert.Equal(t, StatePermissionsRequired, h.c.State())
}

func TestRequestPermissions_OnlyWhenRequired(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.c.RequestPermissions(context.Background()), ErrInvalidState)
}

func TestConnect_PicksMatchingDevice(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DeviceFilter = "jbl" })
	h.platform.found = []bluetooth.DeviceDescriptor{
		{ID: "11:11", Name: "Phone"},
		{ID: "22:22", Name: "JBL Flip 6"},
	}
	h.connect(t)

	dev, ok := h.c.ConnectedDevice()
	require.True(t, ok)
	assert.Equal(t, bluetooth.Device{ID: "22:22", Name: "JBL Flip 6"}, dev)

	st := h.c.Status()
	assert.True(t, st.Connected)
	assert.NotEmpty(t, st.Session)
	assert.False(t, st.ConnectedAt.IsZero())
}

func TestConnect_ScanTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ScanTimeout = 20 * time.Millisecond })
	h.platform.found = nil
	rec := record(h.c)
	ctx := context.Background()
	require.NoError(t, h.c.Start(ctx))

	err := h.c.Connect(ctx)
	assert.ErrorIs(t, err, bluetooth.ErrConnectionFailed)
	assert.Equal(t, StateReady, h.c.State())
	_, ok := h.c.ConnectedDevice()
	assert.False(t, ok)

	_, _, _, errs := rec.snapshot()
	assert.Len(t, errs, 1, "a failed connect is reported once")
}

func TestConnect_PlatformFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.connectErr = errors.New("le-connection-abort-by-local")
	ctx := context.Background()
	require.NoError(t, h.c.Start(ctx))

	err := h.c.Connect(ctx)
	assert.ErrorIs(t, err, bluetooth.ErrConnectionFailed)
	assert.Equal(t, StateReady, h.c.State())
	assert.Equal(t, bluetooth.KindConnectionFailed, bluetooth.KindOf(h.c.LastError()))
}

func TestDisconnect_MidScan(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ScanTimeout = time.Minute })
	h.platform.found = nil
	ctx := context.Background()
	require.NoError(t, h.c.Start(ctx))

	result := make(chan error, 1)
	go func() { result <- h.c.Connect(ctx) }()

	require.Eventually(t, func() bool { return h.c.State() == StateScanning },
		time.Second, time.Millisecond)
	require.NoError(t, h.c.Disconnect(ctx))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("connect did not return after the scan was cancelled")
	}

	assert.Equal(t, StateReady, h.c.State())
	_, ok := h.c.ConnectedDevice()
	assert.False(t, ok)
	h.c.mu.Lock()
	assert.Nil(t, h.c.sampler)
	h.c.mu.Unlock()
	assert.Zero(t, h.platform.connectCount())
	assert.Zero(t, h.ticker.created.Load())
}

func TestDisconnect_StopsEverything(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoMode = true })
	h.connect(t)
	h.feed(t, -50)
	require.Equal(t, []int{4}, h.sink.got())

	require.NoError(t, h.c.Disconnect(context.Background()))
	assert.Equal(t, StateReady, h.c.State())
	assert.True(t, h.ticker.stopped.Load())
	assert.Equal(t, []string{"AA:BB"}, h.platform.disconnects)

	// Nothing can reach the sink any more.
	assert.ErrorIs(t, h.c.SetVolume(context.Background(), 5), ErrNotConnected)
	require.NoError(t, h.c.SetVolumeRange(1, 3))
	assert.Equal(t, []int{4}, h.sink.got())

	st := h.c.Status()
	assert.False(t, st.HasSignal)
	assert.Zero(t, st.Volume)
	assert.Empty(t, st.Session)
	assert.True(t, st.AutoMode, "auto mode survives a disconnect")
}

func TestDisconnect_NoopWhenIdle(t *testing.T) {
	h := newHarness(t, nil)
	assert.NoError(t, h.c.Disconnect(context.Background()))
	assert.Equal(t, StateUninitialized, h.c.State())
}

func TestSmoothingScenario(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoMode = true })
	rec := record(h.c)
	h.connect(t)

	h.feed(t, -50, -52, -48, -51, -49)

	signals, volumes, _, _ := rec.snapshot()
	assert.Equal(t, []float64{-50}, signals)
	assert.Equal(t, []int{4}, volumes)
	assert.Equal(t, []int{4}, h.sink.got())
	assert.Equal(t, 4, h.c.Status().Volume)
}

func TestAutoModeOff_NoDispatch(t *testing.T) {
	h := newHarness(t, nil)
	rec := record(h.c)
	h.connect(t)

	h.feed(t, -50, -52, -48, -51, -49, -30, -30, -30, -30, -30)

	signals, _, _, _ := rec.snapshot()
	assert.NotEmpty(t, signals, "smoothed updates still flow")
	assert.Empty(t, h.sink.got())
}

func TestAutoModeToggle(t *testing.T) {
	h := newHarness(t, nil)
	rec := record(h.c)
	h.connect(t)
	h.feed(t, -50)
	require.Empty(t, h.sink.got())

	h.c.SetAutoMode(true)
	h.flush(t)
	assert.Empty(t, h.sink.got(), "enabling auto mode waits for the next update")

	h.feed(t, -30)
	signals, _, _, _ := rec.snapshot()
	require.Len(t, signals, 2)
	want := volume.Map(signals[1], volume.Range{Min: 1, Max: 10})
	assert.Equal(t, []int{want}, h.sink.got())

	h.c.SetAutoMode(false)
	h.feed(t, -30, -30, -30, -30)
	assert.Equal(t, []int{want}, h.sink.got())
}

func TestNoDispatchForSameLevel(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoMode = true })
	h.connect(t)

	// The second update moves the mean to -54, which still maps to 4.
	h.feed(t, -50, -58)
	assert.Equal(t, []int{4}, h.sink.got())
}

func TestDispatchFailure_KeepsConnection(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoMode = true })
	rec := record(h.c)
	h.connect(t)
	h.sink.setErr(errors.New("gatt write failed"))

	h.feed(t, -50)
	_, volumes, _, errs := rec.snapshot()
	assert.Empty(t, volumes)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], bluetooth.ErrDispatchFailed)
	assert.Equal(t, StateConnected, h.c.State())
	assert.Zero(t, h.c.Status().Volume, "failed levels are not committed")

	h.sink.setErr(nil)
	h.feed(t, -30)
	assert.Len(t, h.sink.got(), 1)
}

func TestSetVolumeRange_Recomputes(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoMode = true })
	h.connect(t)
	h.feed(t, -50)

	require.NoError(t, h.c.SetVolumeRange(1, 5))
	h.flush(t)
	assert.Equal(t, []int{4, 2}, h.sink.got())
	assert.Equal(t, volume.Range{Min: 1, Max: 5}, h.c.Status().Range)

	require.Error(t, h.c.SetVolumeRange(6, 2))
	require.Error(t, h.c.SetVolumeRange(0, 5))
}

func TestInitialVolume(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.InitialVolume = 3 })
	h.connect(t)
	h.flush(t)

	assert.Equal(t, []int{3}, h.sink.got())
	assert.Equal(t, 3, h.c.Status().Volume)

	require.Error(t, h.c.SetInitialVolume(11))
	require.NoError(t, h.c.SetInitialVolume(0))
}

func TestManualSetVolume(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	assert.ErrorIs(t, h.c.SetVolume(ctx, 5), ErrNotConnected)

	h.connect(t)
	require.NoError(t, h.c.SetVolume(ctx, 7))
	assert.Equal(t, []int{7}, h.sink.got())
	assert.Error(t, h.c.SetVolume(ctx, 0))
}

func TestNoDuplicateSampler(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.flush(t)

	h.c.mu.Lock()
	err := h.c.startSamplerLocked("AA:BB", 0)
	h.c.mu.Unlock()
	assert.ErrorIs(t, err, ErrSamplerActive)
	assert.ErrorIs(t, h.c.Connect(context.Background()), ErrInvalidState)
	assert.EqualValues(t, 1, h.ticker.created.Load())
}

func TestReconnect_ResetsSmoother(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoMode = true })
	rec := record(h.c)
	h.connect(t)
	h.feed(t, -50)
	require.NoError(t, h.c.Disconnect(context.Background()))

	require.NoError(t, h.c.Connect(context.Background()))
	h.feed(t, -50)

	signals, _, _, _ := rec.snapshot()
	assert.Equal(t, []float64{-50, -50}, signals, "a fresh smoother emits the first sample again")
	assert.Equal(t, []int{4, 4}, h.sink.got())
}

func TestRetryAndReset(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t)

	require.NoError(t, h.c.Retry(ctx))
	assert.Equal(t, StateReady, h.c.State())
	_, ok := h.c.ConnectedDevice()
	assert.False(t, ok)

	require.NoError(t, h.c.Reset(ctx))
	assert.Equal(t, StateUninitialized, h.c.State())
}

func TestSetTargetDistance(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.SetTargetDistance(70))
	assert.Equal(t, 70, h.c.Status().TargetDistance)
	assert.Error(t, h.c.SetTargetDistance(25))
	assert.Equal(t, 70, h.c.Status().TargetDistance)
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, nil)
	var calls int
	unsub := h.c.OnStateChange(func(State) { calls++ })

	require.NoError(t, h.c.Start(context.Background()))
	unsub()
	unsub()
	require.NoError(t, h.c.Reset(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "PermissionsRequired", StatePermissionsRequired.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestReset_WaitsForDisconnectInFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	ctx := context.Background()
	entered, release := h.platform.blockDisconnect()

	first := make(chan error, 1)
	go func() { first <- h.c.Disconnect(ctx) }()
	<-entered
	require.Equal(t, StateDisconnecting, h.c.State())

	reset := make(chan error, 1)
	go func() { reset <- h.c.Reset(ctx) }()
	select {
	case <-reset:
		t.Fatal("reset returned while the disconnect was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-reset)
	assert.Equal(t, StateUninitialized, h.c.State())

	require.NoError(t, h.c.Start(ctx))
	assert.Equal(t, StateReady, h.c.State())
}

func TestReset_GivesUpWaitingButKeepsItsState(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	ctx := context.Background()
	entered, release := h.platform.blockDisconnect()

	first := make(chan error, 1)
	go func() { first <- h.c.Disconnect(ctx) }()
	<-entered

	rctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	err := h.c.Reset(rctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateUninitialized, h.c.State())
	_, ok := h.c.ConnectedDevice()
	assert.False(t, ok)

	// The late disconnect must not move the controller back to Ready.
	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, StateUninitialized, h.c.State())

	require.NoError(t, h.c.Start(ctx))
	assert.Equal(t, StateReady, h.c.State())
}

func TestRetry_DiscardsStaleInitialize(t *testing.T) {
	h := newHarness(t, nil)
	gates := []chan struct{}{make(chan struct{}), make(chan struct{})}
	entered := make(chan int, 2)
	var calls atomic.Int32
	h.platform.initHook = func(context.Context) error {
		i := int(calls.Add(1) - 1)
		entered <- i
		<-gates[i]
		if i == 0 {
			return errors.New("adapter vanished")
		}
		return nil
	}
	ctx := context.Background()

	stale := make(chan error, 1)
	go func() { stale <- h.c.Start(ctx) }()
	require.Equal(t, 0, <-entered)

	retried := make(chan error, 1)
	go func() { retried <- h.c.Retry(ctx) }()
	require.Equal(t, 1, <-entered)

	close(gates[0])
	assert.ErrorIs(t, <-stale, ErrInterrupted)
	assert.Equal(t, StateInitializing, h.c.State())
	assert.NoError(t, h.c.LastError())

	close(gates[1])
	require.NoError(t, <-retried)
	assert.Equal(t, StateReady, h.c.State())
}

func TestFailedRead_NoUpdate(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoMode = true })
	rec := record(h.c)
	h.connect(t)

	// Nothing queued: the read fails.
	h.ticker.ch <- time.Now()
	h.flush(t)

	signals, volumes, _, errs := rec.snapshot()
	assert.Empty(t, signals)
	assert.Empty(t, volumes)
	assert.Empty(t, errs)
	assert.Equal(t, StateConnected, h.c.State())

	h.feed(t, -50)
	assert.Equal(t, []int{4}, h.sink.got())
}

func TestPanickingRead_SamplerKeepsRunning(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoMode = true })
	h.source.panics = 1
	h.connect(t)

	h.ticker.ch <- time.Now()
	h.flush(t)
	assert.Equal(t, StateConnected, h.c.State())

	h.feed(t, -50)
	assert.Equal(t, []int{4}, h.sink.got())
}

func TestDisconnect_DropsReadInFlight(t *testing.T) {
	src := newStallingSource()
	h := newHarness(t, func(o *Options) {
		o.AutoMode = true
		o.Source = src
	})
	rec := record(h.c)
	h.connect(t)
	ctx := context.Background()

	h.ticker.ch <- time.Now()
	<-src.reading

	done := make(chan error, 1)
	go func() { done <- h.c.Disconnect(ctx) }()
	require.Eventually(t, func() bool { return h.c.State() == StateDisconnecting },
		time.Second, time.Millisecond)

	// A very strong sample arrives after the disconnect started.
	src.values <- -30
	require.NoError(t, <-done)

	signals, volumes, _, _ := rec.snapshot()
	assert.Empty(t, signals)
	assert.Empty(t, volumes)
	assert.Empty(t, h.sink.got())
	assert.Equal(t, StateReady, h.c.State())
}

func TestSinkPanic_ReportedAsDispatchFailure(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.InitialVolume = 7 })
	h.sink.panicOn = 7
	h.connect(t)
	h.flush(t)
	ctx := context.Background()

	err := h.c.SetVolume(ctx, 7)
	assert.ErrorIs(t, err, bluetooth.ErrDispatchFailed)
	assert.Equal(t, StateConnected, h.c.State())

	require.NoError(t, h.c.SetVolume(ctx, 5))
	assert.Equal(t, []int{5}, h.sink.got())
}

func TestCallback_HandsDisconnectToAnotherGoroutine(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AutoMode = true })
	done := make(chan error, 1)
	h.c.OnVolumeDispatched(func(int) {
		go func() { done <- h.c.Disconnect(context.Background()) }()
	})
	h.connect(t)

	h.source.push(-50)
	h.ticker.ch <- time.Now()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("disconnect from a volume callback did not finish")
	}
	assert.Equal(t, StateReady, h.c.State())
	assert.Equal(t, []int{4}, h.sink.got())
}
