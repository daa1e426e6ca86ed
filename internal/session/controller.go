package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/deckcap/internal/audiobuf"
	"github.com/zsiec/deckcap/internal/capture"
	"github.com/zsiec/deckcap/internal/device"
	"github.com/zsiec/deckcap/internal/media"
	"github.com/zsiec/deckcap/internal/sink"
)

// ModeAuto selects the display mode by format detection.
const ModeAuto = "auto"

// Config selects and configures the capture input.
type Config struct {
	DeviceIndex int
	// DisplayMode is a mode name, a mode index, or ModeAuto. Empty means
	// ModeAuto.
	DisplayMode  string
	PixelFormat  media.PixelFormat
	DualStream3D bool
	Audio        media.AudioFormat
	// ChunkSamples is the encoder's audio block size in sample frames.
	ChunkSamples int
	// SlotBytes overrides the re-buffering slot size. Zero derives it from
	// the display mode.
	SlotBytes int
}

// State is the streaming state of a session.
type State int32

// Session states.
const (
	StateIdle State = iota
	StateStreaming
)

func (s State) String() string {
	if s == StateStreaming {
		return "streaming"
	}
	return "idle"
}

// Wake tells the caller of Wait why it returned.
type Wake int

// Wake reasons.
const (
	WakeShutdown Wake = iota
	WakeRestart
)

// Snapshot is a point-in-time view of a session, suitable for JSON.
type Snapshot struct {
	SessionID   string        `json:"sessionId"`
	Device      string        `json:"device"`
	Mode        string        `json:"mode"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	FrameRate   float64       `json:"frameRate"`
	PixelFormat string        `json:"pixelFormat"`
	State       string        `json:"state"`
	UptimeMs    int64         `json:"uptimeMs"`
	Restarts    int64         `json:"restarts"`
	Capture     capture.Stats `json:"capture"`
}

// Controller drives one capture session.
type Controller struct {
	base   *slog.Logger
	log    *slog.Logger
	id     uuid.UUID
	cfg    Config
	driver device.Driver
	sink   sink.Sink

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	dev       device.Device
	input     device.Input
	delegate  *capture.Delegate
	flags     device.InputFlags
	resources releaseStack
	streams   releaseStack

	mode     atomic.Pointer[media.DisplayMode]
	state    atomic.Int32
	restarts atomic.Int64

	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
	restart  chan struct{}
}

// New creates a Controller. The sink receives every forwarded video frame
// and audio chunk; the controller does not close it. If log is nil,
// slog.Default() is used.
func New(cfg Config, driver device.Driver, s sink.Sink, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.New()
	return &Controller{
		base:    log.With("session", id.String()),
		log:     log.With("component", "session", "session", id.String()),
		id:      id,
		cfg:     cfg,
		driver:  driver,
		sink:    s,
		stopped: make(chan struct{}),
		restart: make(chan struct{}, 1),
	}
}

// ID returns the session identifier.
func (c *Controller) ID() uuid.UUID { return c.id }

// State returns the current streaming state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Mode returns the display mode video input is currently enabled with.
func (c *Controller) Mode() media.DisplayMode {
	if m := c.mode.Load(); m != nil {
		return *m
	}
	return media.DisplayMode{}
}

// Start acquires the device, negotiates the display mode, registers the
// capture delegate and starts streaming. On failure everything acquired so
// far is released in reverse order.
func (c *Controller) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}
	if c.started {
		return ErrAlreadyStarted
	}

	defer func() {
		if err == nil {
			return
		}
		c.streams.unwind(c.log)
		c.resources.unwind(c.log)
		c.dev, c.input, c.delegate = nil, nil, nil
	}()

	dev, err := c.selectDevice()
	if err != nil {
		return err
	}
	c.dev = dev
	c.resources.push("device", dev.Close)

	input, err := dev.Input()
	if err != nil {
		return fmt.Errorf("get input interface of %s: %w", dev.Name(), err)
	}
	c.input = input
	c.resources.push("input", input.Close)

	flags := device.InputFlagDefault
	if c.cfg.DualStream3D {
		flags |= device.InputDualStream3D
	}
	auto := c.cfg.DisplayMode == "" || strings.EqualFold(c.cfg.DisplayMode, ModeAuto)
	if auto {
		if err := checkFormatDetection(dev); err != nil {
			return err
		}
		flags |= device.InputEnableFormatDetection
	}
	c.flags = flags

	mode, err := c.selectMode(input, auto)
	if err != nil {
		return err
	}
	if err := c.checkMode(input, mode, flags); err != nil {
		return err
	}
	c.mode.Store(&mode)

	chunk := c.cfg.ChunkSamples * c.cfg.Audio.BytesPerSampleFrame()
	slot := c.slotSize(mode, chunk)
	del, err := capture.NewDelegate(capture.Options{
		Input:        input,
		Sink:         c.sink,
		PixelFormat:  c.cfg.PixelFormat,
		InputFlags:   flags,
		Audio:        c.cfg.Audio,
		ChunkSize:    chunk,
		SlotSize:     slot,
		FixedSlot:    c.cfg.SlotBytes > 0,
		Log:          c.base,
		OnModeChange: c.modeChanged,
	})
	if err != nil {
		return fmt.Errorf("create capture delegate: %w", err)
	}
	c.delegate = del
	c.resources.push("delegate", func() error {
		del.Release()
		return nil
	})

	if err := input.SetCallback(del); err != nil {
		return fmt.Errorf("register capture callback: %w", err)
	}
	c.resources.push("callback", func() error { return input.SetCallback(nil) })

	if err := ctx.Err(); err != nil {
		return err
	}

	c.log.Info("capture configured",
		"device", dev.Name(),
		"mode", mode.Name,
		"pixel_format", c.cfg.PixelFormat,
		"format_detection", auto,
		"audio_channels", c.cfg.Audio.Channels,
		"audio_bit_depth", c.cfg.Audio.BitDepth,
		"chunk_bytes", chunk,
		"slot_bytes", slot)

	if err := c.arm(mode); err != nil {
		return err
	}

	c.started = true
	c.startedAt = time.Now()
	return nil
}

func (c *Controller) selectDevice() (device.Device, error) {
	devs, err := c.driver.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	var chosen device.Device
	for i, d := range devs {
		if i == c.cfg.DeviceIndex {
			chosen = d
			continue
		}
		d.Close()
	}
	if chosen == nil {
		return nil, fmt.Errorf("%w: index %d", ErrDeviceNotFound, c.cfg.DeviceIndex)
	}
	return chosen, nil
}

func checkFormatDetection(dev device.Device) error {
	attrs, err := dev.Attributes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormatDetectionUnsupported, err)
	}
	ok, err := attrs.SupportsInputFormatDetection()
	if err != nil || !ok {
		return ErrFormatDetectionUnsupported
	}
	return nil
}

// selectMode picks the configured mode. Format detection still needs a
// valid mode to start with, so auto uses the first one.
func (c *Controller) selectMode(input device.Input, auto bool) (media.DisplayMode, error) {
	modes, err := input.DisplayModes()
	if err != nil {
		return media.DisplayMode{}, fmt.Errorf("list display modes: %w", err)
	}
	if len(modes) == 0 {
		return media.DisplayMode{}, fmt.Errorf("%w: device reports no modes", ErrDisplayModeNotFound)
	}
	if auto {
		return modes[0], nil
	}
	if idx, err := strconv.Atoi(c.cfg.DisplayMode); err == nil {
		if idx < 0 || idx >= len(modes) {
			return media.DisplayMode{}, fmt.Errorf("%w: index %d", ErrDisplayModeNotFound, idx)
		}
		return modes[idx], nil
	}
	for _, m := range modes {
		if strings.EqualFold(m.Name, c.cfg.DisplayMode) {
			return m, nil
		}
	}
	return media.DisplayMode{}, fmt.Errorf("%w: %q", ErrDisplayModeNotFound, c.cfg.DisplayMode)
}

func (c *Controller) checkMode(input device.Input, mode media.DisplayMode, flags device.InputFlags) error {
	support, err := input.DoesSupportVideoMode(mode, c.cfg.PixelFormat, device.InputFlagDefault)
	if err != nil {
		return fmt.Errorf("query display mode %s: %w", mode.Name, err)
	}
	if support == device.ModeNotSupported {
		return fmt.Errorf("%w: %s with %s", ErrUnsupportedMode, mode.Name, c.cfg.PixelFormat)
	}
	if flags&device.InputDualStream3D != 0 && mode.Flags&media.ModeSupports3D == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupported3D, mode.Name)
	}
	return nil
}

func (c *Controller) slotSize(mode media.DisplayMode, chunk int) int {
	if c.cfg.SlotBytes > 0 {
		return c.cfg.SlotBytes
	}
	lo, hi := mode.SamplesPerFrame(c.cfg.Audio.SampleRate)
	return audiobuf.SlotSizeFor(c.cfg.Audio.PacketBytes(lo), c.cfg.Audio.PacketBytes(hi), chunk)
}

// arm enables video and audio input and starts the streams, recording each
// step on the streams stack. Must be called with c.mu held.
func (c *Controller) arm(mode media.DisplayMode) error {
	input := c.input
	if err := input.EnableVideoInput(mode, c.cfg.PixelFormat, c.flags); err != nil {
		c.log.Error("failed to enable video input, is another application using the card?", "error", err)
		return fmt.Errorf("enable video input: %w", err)
	}
	c.streams.push("video input", input.DisableVideoInput)

	if err := input.EnableAudioInput(c.cfg.Audio); err != nil {
		return fmt.Errorf("enable audio input: %w", err)
	}
	c.streams.push("audio input", input.DisableAudioInput)

	if err := input.StartStreams(); err != nil {
		return fmt.Errorf("start streams: %w", err)
	}
	c.streams.push("streams", func() error {
		c.state.Store(int32(StateIdle))
		return input.StopStreams()
	})
	c.state.Store(int32(StateStreaming))
	return nil
}

func (c *Controller) modeChanged(mode media.DisplayMode) {
	c.mode.Store(&mode)
}

// Wait blocks until ctx is cancelled, Stop is called, or Restart is
// requested.
func (c *Controller) Wait(ctx context.Context) Wake {
	select {
	case <-ctx.Done():
		return WakeShutdown
	case <-c.stopped:
		return WakeShutdown
	case <-c.restart:
		return WakeRestart
	}
}

// Restart wakes Wait with WakeRestart. Requests made while one is pending
// are coalesced.
func (c *Controller) Restart() {
	select {
	case c.restart <- struct{}{}:
	default:
	}
}

// Rearm stops the streams, disables input, and arms it again in the current
// display mode on the same delegate. Format changes arriving meanwhile are
// ignored.
func (c *Controller) Rearm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrStopped
	}
	c.delegate.Halt()
	if err := c.streams.unwind(c.log); err != nil {
		c.log.Warn("errors stopping streams for restart", "error", err)
	}
	if err := c.arm(c.Mode()); err != nil {
		c.streams.unwind(c.log)
		return err
	}
	c.delegate.Resume()
	c.restarts.Add(1)
	c.log.Info("capture restarted", "mode", c.Mode().Name)
	return nil
}

// Stop stops the streams before releasing the delegate, so no new callback
// starts during teardown while one already running may finish. A format
// change already reconfiguring the input completes first and later ones are
// ignored. It is
// idempotent and returns the teardown result of the first call.
func (c *Controller) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopped)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.delegate != nil {
			c.delegate.Halt()
		}
		streamErr := c.streams.unwind(c.log)
		resErr := c.resources.unwind(c.log)
		c.started = false
		c.state.Store(int32(StateIdle))
		if streamErr != nil || resErr != nil {
			c.stopErr = fmt.Errorf("stop capture: %w", errors.Join(streamErr, resErr))
		}
		c.log.Info("capture stopped")
	})
	return c.stopErr
}

// Run starts the session and blocks until ctx is cancelled or Stop is
// called, re-arming the streams on each Restart.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	for c.Wait(ctx) == WakeRestart {
		c.log.Info("restart requested")
		if err := c.Rearm(); err != nil {
			c.Stop()
			return fmt.Errorf("restart capture: %w", err)
		}
	}
	c.log.Info("stopping capture")
	return c.Stop()
}

// Snapshot returns the current session view.
func (c *Controller) Snapshot() Snapshot {
	mode := c.Mode()
	snap := Snapshot{
		SessionID:   c.id.String(),
		Mode:        mode.Name,
		Width:       mode.Width,
		Height:      mode.Height,
		FrameRate:   mode.FrameRate(),
		PixelFormat: c.cfg.PixelFormat.String(),
		State:       c.State().String(),
		Restarts:    c.restarts.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		snap.Device = c.dev.Name()
	}
	if c.started {
		snap.UptimeMs = time.Since(c.startedAt).Milliseconds()
	}
	if c.delegate != nil {
		snap.Capture = c.delegate.Stats()
	}
	return snap
}
