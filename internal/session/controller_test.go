package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/deckcap/internal/device"
	"github.com/zsiec/deckcap/internal/device/sim"
	"github.com/zsiec/deckcap/internal/media"
	"github.com/zsiec/deckcap/internal/sink"
)

// recorder collects the order of device calls across fakes.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) since(call string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.calls, call)
	if i < 0 {
		return nil
	}
	return slices.Clone(r.calls[i+1:])
}

type fakeDriver struct {
	devices []*fakeDevice
}

func (d *fakeDriver) Devices() ([]device.Device, error) {
	out := make([]device.Device, len(d.devices))
	for i, dev := range d.devices {
		out[i] = dev
	}
	return out, nil
}

type fakeDevice struct {
	rec       *recorder
	name      string
	detection bool
	input     *fakeInput
}

func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) Attributes() (device.Attributes, error) { return fakeAttrs(d.detection), nil }

func (d *fakeDevice) Input() (device.Input, error) { return d.input, nil }

func (d *fakeDevice) Close() error {
	d.rec.add("Close " + d.name)
	return nil
}

type fakeAttrs bool

func (a fakeAttrs) SupportsInputFormatDetection() (bool, error) { return bool(a), nil }

type fakeInput struct {
	rec     *recorder
	modes   []media.DisplayMode
	fail    map[string]error
	support device.ModeSupport

	mu sync.Mutex
	cb device.Callback
}

func (in *fakeInput) call(name string) error {
	in.rec.add(name)
	return in.fail[name]
}

func (in *fakeInput) DisplayModes() ([]media.DisplayMode, error) { return in.modes, nil }

func (in *fakeInput) DoesSupportVideoMode(media.DisplayMode, media.PixelFormat, device.InputFlags) (device.ModeSupport, error) {
	return in.support, nil
}

func (in *fakeInput) SetCallback(cb device.Callback) error {
	if cb == nil {
		in.rec.add("SetCallback(nil)")
	} else {
		in.rec.add("SetCallback")
		cb.AddRef()
	}
	in.mu.Lock()
	old := in.cb
	in.cb = cb
	in.mu.Unlock()
	if old != nil {
		old.Release()
	}
	return nil
}

func (in *fakeInput) EnableVideoInput(media.DisplayMode, media.PixelFormat, device.InputFlags) error {
	return in.call("EnableVideoInput")
}

func (in *fakeInput) DisableVideoInput() error { return in.call("DisableVideoInput") }

func (in *fakeInput) EnableAudioInput(media.AudioFormat) error { return in.call("EnableAudioInput") }

func (in *fakeInput) DisableAudioInput() error { return in.call("DisableAudioInput") }

func (in *fakeInput) StartStreams() error { return in.call("StartStreams") }

func (in *fakeInput) StopStreams() error { return in.call("StopStreams") }

func (in *fakeInput) Close() error { return in.call("Close input") }

func newFake(detection bool) (*fakeDriver, *fakeInput, *recorder) {
	rec := &recorder{}
	in := &fakeInput{
		rec:     rec,
		modes:   sim.DefaultModes(),
		fail:    map[string]error{},
		support: device.ModeSupported,
	}
	drv := &fakeDriver{devices: []*fakeDevice{
		{rec: rec, name: "card0", detection: detection, input: in},
		{rec: rec, name: "card1", input: in},
	}}
	return drv, in, rec
}

func testConfig(mode string) Config {
	return Config{
		DisplayMode:  mode,
		PixelFormat:  media.Format8BitYUV,
		Audio:        media.DefaultAudioFormat(),
		ChunkSamples: media.DefaultChunkSamples,
	}
}

func TestStartStopReleaseOrder(t *testing.T) {
	t.Parallel()
	drv, _, rec := newFake(true)
	c := New(testConfig("1080p25"), drv, sink.Discard{}, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.State(); got != StateStreaming {
		t.Fatalf("state = %s, want streaming", got)
	}
	if got := c.Mode().Name; got != "1080p25" {
		t.Errorf("mode = %q, want 1080p25", got)
	}
	del := c.delegate

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := []string{
		"StopStreams",
		"DisableAudioInput",
		"DisableVideoInput",
		"SetCallback(nil)",
		"Close input",
		"Close card0",
	}
	if got := rec.since("StartStreams"); !slices.Equal(got, want) {
		t.Errorf("teardown = %v, want %v", got, want)
	}
	if !del.Destroyed() {
		t.Error("delegate not destroyed after Stop")
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestStartClosesUnselectedDevices(t *testing.T) {
	t.Parallel()
	drv, _, rec := newFake(true)
	c := New(testConfig("PAL"), drv, sink.Discard{}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	if !slices.Contains(rec.calls, "Close card1") {
		t.Errorf("unselected device not closed: %v", rec.calls)
	}
	if slices.Contains(rec.calls, "Close card0") {
		t.Errorf("selected device closed during Start: %v", rec.calls)
	}
}

func TestStartFailureUnwindsInReverse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		failOn string
		want   []string
	}{
		{
			name:   "enable video",
			failOn: "EnableVideoInput",
			want:   []string{"SetCallback(nil)", "Close input", "Close card0"},
		},
		{
			name:   "enable audio",
			failOn: "EnableAudioInput",
			want:   []string{"DisableVideoInput", "SetCallback(nil)", "Close input", "Close card0"},
		},
		{
			name:   "start streams",
			failOn: "StartStreams",
			want:   []string{"DisableAudioInput", "DisableVideoInput", "SetCallback(nil)", "Close input", "Close card0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			drv, in, rec := newFake(true)
			boom := errors.New("boom")
			in.fail[tt.failOn] = boom

			c := New(testConfig("PAL"), drv, sink.Discard{}, nil)
			err := c.Start(context.Background())
			if !errors.Is(err, boom) {
				t.Fatalf("Start error = %v, want %v", err, boom)
			}
			if got := rec.since(tt.failOn); !slices.Equal(got, tt.want) {
				t.Errorf("unwind = %v, want %v", got, tt.want)
			}
			if c.State() != StateIdle {
				t.Errorf("state = %s, want idle", c.State())
			}
			if c.delegate != nil {
				t.Error("delegate kept after failed Start")
			}
		})
	}
}

func TestStartNegotiationErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     func(*Config)
		fake    func(*fakeInput)
		noAuto  bool
		wantErr error
	}{
		{
			name:    "device index out of range",
			cfg:     func(c *Config) { c.DeviceIndex = 5 },
			wantErr: ErrDeviceNotFound,
		},
		{
			name:    "unknown mode name",
			cfg:     func(c *Config) { c.DisplayMode = "4320p120" },
			wantErr: ErrDisplayModeNotFound,
		},
		{
			name:    "mode index out of range",
			cfg:     func(c *Config) { c.DisplayMode = "42" },
			wantErr: ErrDisplayModeNotFound,
		},
		{
			name:    "no modes",
			fake:    func(in *fakeInput) { in.modes = nil },
			wantErr: ErrDisplayModeNotFound,
		},
		{
			name:    "format detection unsupported",
			cfg:     func(c *Config) { c.DisplayMode = ModeAuto },
			noAuto:  true,
			wantErr: ErrFormatDetectionUnsupported,
		},
		{
			name:    "mode not supported",
			fake:    func(in *fakeInput) { in.support = device.ModeNotSupported },
			wantErr: ErrUnsupportedMode,
		},
		{
			name:    "3D on a 2D mode",
			cfg:     func(c *Config) { c.DisplayMode = "1080p24"; c.DualStream3D = true },
			wantErr: ErrUnsupported3D,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			drv, in, rec := newFake(!tt.noAuto)
			if tt.fake != nil {
				tt.fake(in)
			}
			cfg := testConfig("PAL")
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			c := New(cfg, drv, sink.Discard{}, nil)
			err := c.Start(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start error = %v, want %v", err, tt.wantErr)
			}
			if slices.Contains(rec.calls, "EnableVideoInput") {
				t.Error("video input enabled despite negotiation failure")
			}
		})
	}
}

func TestSelectModeByIndex(t *testing.T) {
	t.Parallel()
	drv, _, _ := newFake(true)
	c := New(testConfig("2"), drv, sink.Discard{}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	if got, want := c.Mode().Name, sim.DefaultModes()[2].Name; got != want {
		t.Errorf("mode = %q, want %q", got, want)
	}
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	drv, _, _ := newFake(true)
	c := New(testConfig("PAL"), drv, sink.Discard{}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	c.Stop()
	if err := c.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()
	drv, in, rec := newFake(true)
	in.fail["StopStreams"] = errors.New("stuck")
	c := New(testConfig("PAL"), drv, sink.Discard{}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := c.Stop()
	if first == nil {
		t.Fatal("Stop returned nil, want the StopStreams error")
	}
	n := len(rec.calls)
	if second := c.Stop(); second != first {
		t.Errorf("second Stop = %v, want %v", second, first)
	}
	if len(rec.calls) != n {
		t.Errorf("second Stop made device calls: %v", rec.calls[n:])
	}
	if !slices.Contains(rec.calls, "Close card0") {
		t.Error("device not released after a failed StopStreams")
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	drv, _, rec := newFake(true)
	c := New(testConfig("PAL"), drv, sink.Discard{}, nil)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("calls = %v, want none", rec.calls)
	}
}

func waitFor(t *testing.T, what string, fn func() Wake) Wake {
	t.Helper()
	ch := make(chan Wake, 1)
	go func() { ch <- fn() }()
	select {
	case w := <-ch:
		return w
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait did not return after %s", what)
		return 0
	}
}

func TestWaitWakeups(t *testing.T) {
	t.Parallel()

	t.Run("context", func(t *testing.T) {
		t.Parallel()
		drv, _, _ := newFake(true)
		c := New(testConfig("PAL"), drv, sink.Discard{}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		if got := waitFor(t, "cancel", func() Wake { return c.Wait(ctx) }); got != WakeShutdown {
			t.Errorf("wake = %d, want WakeShutdown", got)
		}
	})

	t.Run("stop", func(t *testing.T) {
		t.Parallel()
		drv, _, _ := newFake(true)
		c := New(testConfig("PAL"), drv, sink.Discard{}, nil)
		go func() {
			time.Sleep(10 * time.Millisecond)
			c.Stop()
		}()
		if got := waitFor(t, "Stop", func() Wake { return c.Wait(context.Background()) }); got != WakeShutdown {
			t.Errorf("wake = %d, want WakeShutdown", got)
		}
	})

	t.Run("restart", func(t *testing.T) {
		t.Parallel()
		drv, _, _ := newFake(true)
		c := New(testConfig("PAL"), drv, sink.Discard{}, nil)
		c.Restart()
		c.Restart()
		if got := waitFor(t, "Restart", func() Wake { return c.Wait(context.Background()) }); got != WakeRestart {
			t.Errorf("wake = %d, want WakeRestart", got)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if got := c.Wait(ctx); got != WakeShutdown {
			t.Errorf("coalesced restart woke Wait twice")
		}
	})
}

func TestRunRestartAndShutdown(t *testing.T) {
	t.Parallel()
	drv, _, rec := newFake(true)
	c := New(testConfig("PAL"), drv, sink.Discard{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateStreaming {
		if time.Now().After(deadline) {
			t.Fatal("session never started streaming")
		}
		time.Sleep(time.Millisecond)
	}

	c.Restart()
	for c.Snapshot().Restarts != 1 {
		if time.Now().After(deadline) {
			t.Fatal("restart never completed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	rec.mu.Lock()
	starts := 0
	for _, call := range rec.calls {
		if call == "StartStreams" {
			starts++
		}
	}
	rec.mu.Unlock()
	if starts != 2 {
		t.Errorf("StartStreams calls = %d, want 2", starts)
	}
}

func TestRunStartFailure(t *testing.T) {
	t.Parallel()
	drv, _, _ := newFake(false)
	c := New(testConfig(ModeAuto), drv, sink.Discard{}, nil)
	if err := c.Run(context.Background()); !errors.Is(err, ErrFormatDetectionUnsupported) {
		t.Errorf("Run = %v, want ErrFormatDetectionUnsupported", err)
	}
}

// frameSink records the geometry of delivered frames.
type frameSink struct {
	mu     sync.Mutex
	widths []int
	audio  int
}

func (s *frameSink) ConsumeVideo(f *media.VideoFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.widths = append(s.widths, f.Width)
	return nil
}

func (s *frameSink) ConsumeAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio += len(chunk)
	return nil
}

func (s *frameSink) Close() error { return nil }

func (s *frameSink) lastWidth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.widths) == 0 {
		return 0
	}
	return s.widths[len(s.widths)-1]
}

func modeByID(t *testing.T, id uint32) media.DisplayMode {
	t.Helper()
	for _, m := range sim.DefaultModes() {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("mode %x not found", id)
	return media.DisplayMode{}
}

func TestFormatChangeRoundTrip(t *testing.T) {
	t.Parallel()
	drv := sim.New(sim.Options{Manual: true, Devices: sim.DefaultOptions().Devices}, nil)
	out := &frameSink{}
	c := New(testConfig(ModeAuto), drv, out, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	in := drv.Device(0).Active()
	if in == nil {
		t.Fatal("no active input")
	}

	if got := in.Step(3); got != 3 {
		t.Fatalf("delivered %d, want 3", got)
	}
	if got := out.lastWidth(); got != 720 {
		t.Errorf("width = %d, want 720", got)
	}

	for _, id := range []uint32{sim.ModeHD1080p25, sim.ModeHD720p50} {
		next := modeByID(t, id)
		in.ChangeFormat(next)
		if got := in.Step(1); got != 1 {
			t.Fatalf("format change not delivered")
		}
		if got := c.Mode().ID; got != next.ID {
			t.Errorf("controller mode = %x, want %x", got, next.ID)
		}
		if !in.Streaming() {
			t.Fatal("streams not restarted after format change")
		}
		if got := in.Step(2); got != 2 {
			t.Fatalf("delivered %d after change, want 2", got)
		}
		if got := out.lastWidth(); got != next.Width {
			t.Errorf("width after change to %s = %d, want %d", next.Name, got, next.Width)
		}
	}

	snap := c.Snapshot()
	if snap.Mode != "720p50" || snap.Width != 1280 {
		t.Errorf("snapshot mode = %s %dx%d, want 720p50 1280x720", snap.Mode, snap.Width, snap.Height)
	}
	if snap.Capture.FormatChanges != 2 {
		t.Errorf("format changes = %d, want 2", snap.Capture.FormatChanges)
	}
	if snap.Capture.VideoFrames != 7 {
		t.Errorf("video frames = %d, want 7", snap.Capture.VideoFrames)
	}

	del := c.delegate
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if drv.Device(0).Active() != nil {
		t.Error("input still open after Stop")
	}
	for i := range 2 {
		if got := drv.Device(i).Refs(); got != 0 {
			t.Errorf("device %d refs = %d, want 0", i, got)
		}
	}
	if !del.Destroyed() {
		t.Error("delegate not destroyed after Stop")
	}
}

func TestStopDuringDelivery(t *testing.T) {
	t.Parallel()
	drv := sim.New(sim.DefaultOptions(), nil)
	counter := &sink.Counter{}
	c := New(testConfig("720p50"), drv, counter, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for counter.Stats().VideoFrames < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no frames delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	n := counter.Stats().VideoFrames
	time.Sleep(60 * time.Millisecond)
	if got := counter.Stats().VideoFrames; got != n {
		t.Errorf("frames after Stop = %d, want %d", got, n)
	}
	if got := counter.Stats().AudioBytes % int64(media.DefaultChunkSamples*4); got != 0 {
		t.Errorf("audio bytes not a whole number of chunks: remainder %d", got)
	}
}
