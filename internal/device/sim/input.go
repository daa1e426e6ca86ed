package sim

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/deckcap/internal/device"
	"github.com/zsiec/deckcap/internal/media"
)

// Op names an Input operation that can be made to fail with FailOn.
type Op int

// Operations that support injected failures.
const (
	OpEnableVideo Op = iota
	OpEnableAudio
	OpStartStreams
	OpStopStreams
)

// Input is a simulated device.Input.
type Input struct {
	dev *Device
	log *slog.Logger

	mu           sync.Mutex
	cb           device.Callback
	videoEnabled bool
	mode         media.DisplayMode
	pixelFormat  media.PixelFormat
	flags        device.InputFlags
	audioEnabled bool
	audio        media.AudioFormat
	streaming    bool
	closed       bool
	noSignal     bool
	pending      *media.DisplayMode
	failures     map[Op]error

	// Delivery state.
	frameNo    uint64
	audioBytes int64
	videoBuf   []byte
	audioBuf   []byte
	delivered  uint64

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newInput(d *Device) *Input {
	in := &Input{
		dev:  d,
		log:  d.log.With("component", "sim-input"),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	if d.manual {
		close(in.done)
	} else {
		go in.run()
	}
	return in
}

func (in *Input) isClosed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

func (in *Input) notify() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// DisplayModes implements device.Input.
func (in *Input) DisplayModes() ([]media.DisplayMode, error) {
	modes := make([]media.DisplayMode, len(in.dev.spec.Modes))
	copy(modes, in.dev.spec.Modes)
	return modes, nil
}

func (in *Input) findMode(id uint32) (media.DisplayMode, bool) {
	for _, m := range in.dev.spec.Modes {
		if m.ID == id {
			return m, true
		}
	}
	return media.DisplayMode{}, false
}

func (in *Input) supportsPixelFormat(pf media.PixelFormat) bool {
	if in.dev.spec.PixelFormats == nil {
		return true
	}
	for _, f := range in.dev.spec.PixelFormats {
		if f == pf {
			return true
		}
	}
	return false
}

// DoesSupportVideoMode implements device.Input.
func (in *Input) DoesSupportVideoMode(mode media.DisplayMode, pf media.PixelFormat, flags device.InputFlags) (device.ModeSupport, error) {
	m, ok := in.findMode(mode.ID)
	if !ok || !in.supportsPixelFormat(pf) {
		return device.ModeNotSupported, nil
	}
	if flags&device.InputDualStream3D != 0 && m.Flags&media.ModeSupports3D == 0 {
		return device.ModeNotSupported, nil
	}
	return device.ModeSupported, nil
}

// SetCallback implements device.Input.
func (in *Input) SetCallback(cb device.Callback) error {
	if cb != nil {
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

// EnableVideoInput implements device.Input.
func (in *Input) EnableVideoInput(mode media.DisplayMode, pf media.PixelFormat, flags device.InputFlags) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.injected(OpEnableVideo); err != nil {
		return err
	}
	if in.closed {
		return device.ErrClosed
	}
	if in.streaming {
		return device.ErrStreaming
	}
	m, ok := in.findMode(mode.ID)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrUnknownMode, mode.Name)
	}
	if !in.supportsPixelFormat(pf) {
		return fmt.Errorf("sim: pixel format %s not supported", pf)
	}
	in.videoEnabled = true
	in.mode = m
	in.pixelFormat = pf
	in.flags = flags
	return nil
}

// DisableVideoInput implements device.Input.
func (in *Input) DisableVideoInput() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.videoEnabled = false
	return nil
}

// EnableAudioInput implements device.Input.
func (in *Input) EnableAudioInput(format media.AudioFormat) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.injected(OpEnableAudio); err != nil {
		return err
	}
	if in.closed {
		return device.ErrClosed
	}
	if in.streaming {
		return device.ErrStreaming
	}
	if !format.Valid() {
		return fmt.Errorf("%w: %+v", device.ErrUnsupportedFmt, format)
	}
	in.audioEnabled = true
	in.audio = format
	return nil
}

// DisableAudioInput implements device.Input.
func (in *Input) DisableAudioInput() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.audioEnabled = false
	return nil
}

// StartStreams implements device.Input.
func (in *Input) StartStreams() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.injected(OpStartStreams); err != nil {
		return err
	}
	if in.closed {
		return device.ErrClosed
	}
	if !in.videoEnabled && !in.audioEnabled {
		return device.ErrNotEnabled
	}
	if in.streaming {
		return device.ErrStreaming
	}
	in.streaming = true
	in.notify()
	in.log.Debug("streams started", "mode", in.mode.Name)
	return nil
}

// StopStreams implements device.Input. It does not wait for a callback in
// progress, so it is safe to call from one.
func (in *Input) StopStreams() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.injected(OpStopStreams); err != nil {
		return err
	}
	if in.streaming {
		in.streaming = false
		in.notify()
		in.log.Debug("streams stopped")
	}
	return nil
}

// Close stops delivery, waits for the delivery goroutine to exit and
// releases the callback. It must not be called from a callback.
func (in *Input) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.streaming = false
	cb := in.cb
	in.cb = nil
	in.mu.Unlock()

	close(in.quit)
	<-in.done
	if cb != nil {
		cb.Release()
	}
	return nil
}

// FailOn makes the next call of op return err.
func (in *Input) FailOn(op Op, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.failures == nil {
		in.failures = make(map[Op]error)
	}
	in.failures[op] = err
}

func (in *Input) injected(op Op) error {
	err, ok := in.failures[op]
	if ok {
		delete(in.failures, op)
	}
	return err
}

// SetSignal toggles the "no input source" flag on delivered video frames.
func (in *Input) SetSignal(present bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.noSignal = !present
}

// ChangeFormat queues a display-mode change. It is delivered on the
// delivery goroutine, ahead of the next frame, when format detection is
// enabled and streams are running. Without format detection it is dropped.
func (in *Input) ChangeFormat(mode media.DisplayMode) {
	in.mu.Lock()
	in.pending = &mode
	in.mu.Unlock()
	in.notify()
}

// Streaming reports whether streams are running.
func (in *Input) Streaming() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.streaming
}

// Mode returns the mode video input is enabled with.
func (in *Input) Mode() media.DisplayMode {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.mode
}

// Delivered returns the number of frames handed to the callback.
func (in *Input) Delivered() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.delivered
}

// Callback returns the registered callback.
func (in *Input) Callback() device.Callback {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cb
}

// Step delivers up to n events synchronously on the calling goroutine and
// returns how many were delivered. It is meant for manual inputs; calls must
// not overlap.
func (in *Input) Step(n int) int {
	delivered := 0
	for i := 0; i < n; i++ {
		if !in.deliver() {
			break
		}
		delivered++
	}
	return delivered
}

func (in *Input) frameInterval() time.Duration {
	if in.mode.FrameRateNum == 0 {
		return 40 * time.Millisecond
	}
	return time.Second * time.Duration(in.mode.FrameRateDen) / time.Duration(in.mode.FrameRateNum)
}

func (in *Input) run() {
	defer close(in.done)
	for {
		in.mu.Lock()
		streaming := in.streaming
		interval := in.frameInterval()
		in.mu.Unlock()

		if !streaming {
			select {
			case <-in.quit:
				return
			case <-in.wake:
				continue
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-in.quit:
			timer.Stop()
			return
		case <-in.wake:
			timer.Stop()
			in.mu.Lock()
			hasChange := in.pending != nil
			in.mu.Unlock()
			if hasChange {
				in.deliver()
			}
		case <-timer.C:
			in.deliver()
		}
	}
}

// deliver hands one event to the callback: a queued format change if there
// is one and format detection is enabled, otherwise the next frame. It reports false when streams are not
// running.
func (in *Input) deliver() bool {
	in.mu.Lock()
	if !in.streaming || in.cb == nil {
		in.mu.Unlock()
		return false
	}
	cb := in.cb

	if change := in.pending; change != nil {
		in.pending = nil
		if in.flags&device.InputEnableFormatDetection != 0 {
			in.mu.Unlock()
			if err := cb.OnFormatChanged(device.DisplayModeChanged, *change, device.DetectedYCbCr422); err != nil {
				in.log.Warn("format change callback failed", "error", err)
			}
			return true
		}
		in.log.Debug("format detection disabled, ignoring format change", "mode", change.Name)
	}

	var video device.VideoInputFrame
	var audio device.AudioInputPacket
	if in.videoEnabled {
		video = in.nextVideo()
	}
	if in.audioEnabled {
		audio = in.nextAudio()
	}
	in.frameNo++
	in.delivered++
	in.mu.Unlock()

	if err := cb.OnFrameArrived(video, audio); err != nil {
		in.log.Warn("frame callback failed", "error", err)
	}
	return true
}

func (in *Input) nextVideo() *videoFrame {
	rowBytes := in.pixelFormat.RowBytes(in.mode.Width)
	size := rowBytes * in.mode.Height
	if cap(in.videoBuf) < size {
		in.videoBuf = make([]byte, size)
	}
	in.videoBuf = in.videoBuf[:size]
	if size >= 8 {
		binary.BigEndian.PutUint64(in.videoBuf, in.frameNo)
	}
	var flags media.FrameFlags
	if in.noSignal {
		flags |= media.FrameHasNoInputSource
	}
	return &videoFrame{
		data:     in.videoBuf,
		rowBytes: rowBytes,
		width:    in.mode.Width,
		height:   in.mode.Height,
		format:   in.pixelFormat,
		flags:    flags,
	}
}

func (in *Input) nextAudio() *audioPacket {
	samples := in.mode.SamplesForFrame(in.audio.SampleRate, in.frameNo)
	size := in.audio.PacketBytes(samples)
	if cap(in.audioBuf) < size {
		in.audioBuf = make([]byte, size)
	}
	in.audioBuf = in.audioBuf[:size]
	for i := range in.audioBuf {
		in.audioBuf[i] = PatternByte(in.audioBytes + int64(i))
	}
	in.audioBytes += int64(size)
	return &audioPacket{data: in.audioBuf, samples: samples}
}

type videoFrame struct {
	data     []byte
	rowBytes int
	width    int
	height   int
	format   media.PixelFormat
	flags    media.FrameFlags
}

func (f *videoFrame) Bytes() []byte                  { return f.data }
func (f *videoFrame) RowBytes() int                  { return f.rowBytes }
func (f *videoFrame) Width() int                     { return f.width }
func (f *videoFrame) Height() int                    { return f.height }
func (f *videoFrame) PixelFormat() media.PixelFormat { return f.format }
func (f *videoFrame) Flags() media.FrameFlags        { return f.flags }

type audioPacket struct {
	data    []byte
	samples int
}

func (p *audioPacket) Bytes() []byte         { return p.data }
func (p *audioPacket) SampleFrameCount() int { return p.samples }
