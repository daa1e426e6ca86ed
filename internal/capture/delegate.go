// Package capture implements the callback target registered with a capture
// device. The Delegate forwards video frames to the encoder sink without
// copying and regroups audio packets into fixed-size chunks.
package capture

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/deckcap/internal/audiobuf"
	"github.com/zsiec/deckcap/internal/device"
	"github.com/zsiec/deckcap/internal/media"
	"github.com/zsiec/deckcap/internal/sink"
)

// ErrNoSink is returned by NewDelegate when Options.Sink is nil.
var ErrNoSink = errors.New("capture: sink is required")

// Options configures a Delegate.
type Options struct {
	// Input is reconfigured when the device reports a display-mode change.
	// It may be nil, in which case format changes are only logged.
	Input device.Input
	Sink  sink.Sink

	PixelFormat media.PixelFormat
	InputFlags  device.InputFlags
	Audio       media.AudioFormat
	ChunkSize   int
	SlotSize    int
	// FixedSlot keeps SlotSize across display-mode changes instead of
	// deriving it from the new mode's packet sizes.
	FixedSlot   bool

	Log *slog.Logger

	// OnModeChange is called on the delivery goroutine after video input
	// was switched to a new mode.
	OnModeChange func(media.DisplayMode)
	// OnDestroy is called once, when the last reference is released.
	OnDestroy func()
}

// Stats is a snapshot of delegate counters.
type Stats struct {
	VideoFrames    int64          `json:"videoFrames"`
	NoSignalFrames int64          `json:"noSignalFrames"`
	AudioPackets   int64          `json:"audioPackets"`
	SinkErrors     int64          `json:"sinkErrors"`
	FormatChanges  int64          `json:"formatChanges"`
	FormatErrors   int64          `json:"formatErrors"`
	Audio          audiobuf.Stats `json:"audio"`
}

// Delegate is the reference-counted capture callback. It is created with
// one reference held by its creator; the device takes another while it is
// registered.
type Delegate struct {
	log          *slog.Logger
	input        device.Input
	sink         sink.Sink
	pixelFormat  media.PixelFormat
	flags        device.InputFlags
	audio        media.AudioFormat
	rebuf        *audiobuf.Rebufferer
	fixedSlot    bool
	onModeChange func(media.DisplayMode)
	onDestroy    func()

	// reconf is held for the whole of a format-change reconfiguration.
	// While halted, format changes leave the streams alone.
	reconf sync.Mutex
	halted bool

	mu        sync.Mutex
	refs      uint32
	destroyed bool

	// Delivery goroutine only.
	frame      media.VideoFrame
	signalLost bool

	videoSeq      atomic.Uint64
	videoFrames   atomic.Int64
	noSignal      atomic.Int64
	audioPackets  atomic.Int64
	sinkErrors    atomic.Int64
	formatChanges atomic.Int64
	formatErrors  atomic.Int64
}

var _ device.Callback = (*Delegate)(nil)

// NewDelegate creates a Delegate holding one reference.
func NewDelegate(opts Options) (*Delegate, error) {
	if opts.Sink == nil {
		return nil, ErrNoSink
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	d := &Delegate{
		log:          log.With("component", "capture-delegate"),
		input:        opts.Input,
		sink:         opts.Sink,
		pixelFormat:  opts.PixelFormat,
		flags:        opts.InputFlags,
		audio:        opts.Audio,
		fixedSlot:    opts.FixedSlot,
		onModeChange: opts.OnModeChange,
		onDestroy:    opts.OnDestroy,
		refs:         1,
	}
	rebuf, err := audiobuf.New(opts.ChunkSize, opts.SlotSize, d.emitAudio)
	if err != nil {
		return nil, err
	}
	d.rebuf = rebuf
	return d, nil
}

// AddRef takes a reference and returns the new count.
func (d *Delegate) AddRef() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		panic("capture: AddRef on destroyed delegate")
	}
	d.refs++
	return d.refs
}

// Release drops a reference and returns the remaining count. The delegate
// is destroyed when the count reaches zero.
func (d *Delegate) Release() uint32 {
	d.mu.Lock()
	if d.refs == 0 {
		d.mu.Unlock()
		panic("capture: Release without a reference")
	}
	d.refs--
	n := d.refs
	if n == 0 {
		d.destroyed = true
	}
	d.mu.Unlock()

	if n == 0 {
		d.destroy()
	}
	return n
}

// Destroyed reports whether the last reference has been released.
func (d *Delegate) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *Delegate) destroy() {
	st := d.Stats()
	d.log.Debug("delegate destroyed",
		"video_frames", st.VideoFrames,
		"audio_packets", st.AudioPackets,
		"audio_chunks", st.Audio.Chunks)
	if d.onDestroy != nil {
		d.onDestroy()
	}
}

// Halt waits for a format change in progress to finish and makes later
// ones skip reconfiguring the input until Resume. The owner calls it before
// stopping or re-arming the streams itself. It must not be called from a
// callback.
func (d *Delegate) Halt() {
	d.reconf.Lock()
	d.halted = true
	d.reconf.Unlock()
}

// Resume lets format changes reconfigure the input again.
func (d *Delegate) Resume() {
	d.reconf.Lock()
	d.halted = false
	d.reconf.Unlock()
}

// OnFrameArrived handles one delivery. Either argument may be nil. Sink and
// re-buffering failures are counted and logged; the device is always told
// the frame was handled.
func (d *Delegate) OnFrameArrived(video device.VideoInputFrame, audio device.AudioInputPacket) error {
	if video != nil {
		d.handleVideo(video)
	}
	if audio != nil {
		d.handleAudio(audio)
	}
	return nil
}

func (d *Delegate) handleVideo(v device.VideoInputFrame) {
	flags := v.Flags()
	if flags&media.FrameHasNoInputSource != 0 {
		d.noSignal.Add(1)
		if !d.signalLost {
			d.signalLost = true
			d.log.Warn("no input signal, dropping video")
		}
		return
	}
	if d.signalLost {
		d.signalLost = false
		d.log.Info("input signal restored")
	}

	d.frame = media.VideoFrame{
		Data:        v.Bytes(),
		RowBytes:    v.RowBytes(),
		Width:       v.Width(),
		Height:      v.Height(),
		PixelFormat: v.PixelFormat(),
		Flags:       flags,
		Sequence:    d.videoSeq.Add(1) - 1,
	}
	if err := d.sink.ConsumeVideo(&d.frame); err != nil {
		d.sinkErrors.Add(1)
		d.log.Debug("video sink error", "error", err)
	}
	d.frame.Data = nil
	d.videoFrames.Add(1)
}

func (d *Delegate) handleAudio(a device.AudioInputPacket) {
	data := a.Bytes()
	n := d.audio.PacketBytes(a.SampleFrameCount())
	if n > len(data) {
		n = len(data)
	}
	d.audioPackets.Add(1)
	if err := d.rebuf.Ingest(data[:n]); err != nil {
		d.log.Warn("dropping audio packet", "bytes", n, "error", err)
	}
}

func (d *Delegate) emitAudio(chunk []byte) {
	if err := d.sink.ConsumeAudio(chunk); err != nil {
		d.sinkErrors.Add(1)
		d.log.Debug("audio sink error", "error", err)
	}
}

// OnFormatChanged restarts video input in the newly detected display mode,
// keeping the configured pixel format and input flags. Failures are logged;
// the notification has no way to report them back to the device.
func (d *Delegate) OnFormatChanged(events device.FormatChangedEvents, mode media.DisplayMode, detected device.DetectedFormatFlags) error {
	if events&device.DisplayModeChanged == 0 {
		return nil
	}
	d.formatChanges.Add(1)
	d.log.Info("video format changed", "mode", mode.Name, "detected", detected)

	if d.input == nil {
		return nil
	}

	d.reconf.Lock()
	defer d.reconf.Unlock()
	if d.halted {
		d.log.Info("streams are being reconfigured, ignoring format change", "mode", mode.Name)
		return nil
	}

	if err := d.input.StopStreams(); err != nil {
		d.log.Warn("failed to stop streams for format change", "error", err)
	}
	if err := d.input.EnableVideoInput(mode, d.pixelFormat, d.flags); err != nil {
		d.formatErrors.Add(1)
		d.log.Error("failed to switch video mode", "mode", mode.Name, "error", err)
		return nil
	}
	d.resizeFor(mode)
	if d.onModeChange != nil {
		d.onModeChange(mode)
	}
	if err := d.input.StartStreams(); err != nil {
		d.formatErrors.Add(1)
		d.log.Error("failed to restart streams", "mode", mode.Name, "error", err)
	}
	return nil
}

// resizeFor fits the audio store to the packet sizes of mode.
func (d *Delegate) resizeFor(mode media.DisplayMode) {
	if d.fixedSlot {
		return
	}
	lo, hi := mode.SamplesPerFrame(d.audio.SampleRate)
	slot := audiobuf.SlotSizeFor(d.audio.PacketBytes(lo), d.audio.PacketBytes(hi), d.rebuf.ChunkSize())
	if slot == 0 || slot == d.rebuf.SlotSize() {
		return
	}
	if err := d.rebuf.Resize(slot); err != nil {
		d.log.Error("failed to resize audio buffer", "slot_bytes", slot, "error", err)
		return
	}
	d.log.Info("audio buffer resized", "slot_bytes", slot)
}

// Stats returns a snapshot of the delegate counters.
func (d *Delegate) Stats() Stats {
	return Stats{
		VideoFrames:    d.videoFrames.Load(),
		NoSignalFrames: d.noSignal.Load(),
		AudioPackets:   d.audioPackets.Load(),
		SinkErrors:     d.sinkErrors.Load(),
		FormatChanges:  d.formatChanges.Load(),
		FormatErrors:   d.formatErrors.Load(),
		Audio:          d.rebuf.Stats(),
	}
}
