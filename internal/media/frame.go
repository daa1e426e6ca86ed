// Package media defines the frame, packet, and format types that flow from a
// capture device through the delegate to the encoder sinks.
package media

// Audio sizing defaults. A chunk of 1152 sample frames is one MPEG audio
// frame; 7680 bytes is one 25 fps video frame of 48 kHz 16-bit stereo audio.
const (
	DefaultChunkSamples = 1152
	DefaultSlotBytes    = 7680
	SampleRate48kHz     = 48000
)

// FrameFlags carries per-frame status reported by the capture device.
type FrameFlags uint32

// Frame flags.
const (
	FrameHasNoInputSource FrameFlags = 1 << iota
	FrameCapturedAsPsF
)

// VideoFrame is a single captured picture. Data aliases the device's buffer;
// it is only valid for the duration of the callback that delivered it.
type VideoFrame struct {
	Data        []byte
	RowBytes    int
	Width       int
	Height      int
	PixelFormat PixelFormat
	Flags       FrameFlags
	Sequence    uint64
}

// HasSignal reports whether the frame carries real input rather than the
// device's blank "no input source" picture.
func (f *VideoFrame) HasSignal() bool {
	return f.Flags&FrameHasNoInputSource == 0
}

// Len returns the byte length of the picture as described by its geometry.
func (f *VideoFrame) Len() int {
	return f.RowBytes * f.Height
}

// AudioPacket is one frame-locked audio delivery: interleaved PCM for a
// single video frame period. Its length varies for frame rates where the
// samples-per-frame ratio is not an integer.
type AudioPacket struct {
	Data         []byte
	SampleFrames int
}

// AudioFormat describes the negotiated PCM layout. It is fixed for the
// whole capture session.
type AudioFormat struct {
	SampleRate int
	BitDepth   int
	Channels   int
}

// DefaultAudioFormat is 48 kHz, 16-bit, stereo.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{SampleRate: SampleRate48kHz, BitDepth: 16, Channels: 2}
}

// BytesPerSampleFrame returns the size of one interleaved sample frame.
func (f AudioFormat) BytesPerSampleFrame() int {
	return f.Channels * f.BitDepth / 8
}

// PacketBytes returns the byte length of a packet holding n sample frames.
func (f AudioFormat) PacketBytes(n int) int {
	return n * f.BytesPerSampleFrame()
}

// Valid reports whether the format is one a capture device can deliver.
func (f AudioFormat) Valid() bool {
	if f.SampleRate != SampleRate48kHz {
		return false
	}
	if f.BitDepth != 16 && f.BitDepth != 32 {
		return false
	}
	switch f.Channels {
	case 2, 8, 16:
		return true
	}
	return false
}
