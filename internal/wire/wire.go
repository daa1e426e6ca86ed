package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zsiec/deckcap/internal/media"
)

const (
	// HeaderSize is the fixed size of a message header.
	HeaderSize = 24

	// Version is the framing version written and accepted.
	Version = 1

	// MaxPayload bounds a single message. A 4K 10-bit frame is under 23 MB.
	MaxPayload = 64 << 20
)

var magic = [2]byte{'D', 'K'}

// Kind identifies the payload type of a message.
type Kind uint8

const (
	KindVideo Kind = 1
	KindAudio Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one decoded message. Payload aliases the Reader's buffer and is
// only valid until the next call to Next.
type Message struct {
	Kind    Kind
	Seq     uint32
	Payload []byte

	// Video fields.
	Flags       media.FrameFlags
	PixelFormat media.PixelFormat
	Width       int
	Height      int

	// Audio is set for audio messages.
	Audio media.AudioFormat
}

// VideoFrame returns the message as a frame aliasing the payload.
func (m *Message) VideoFrame() *media.VideoFrame {
	f := &media.VideoFrame{
		Data:        m.Payload,
		Width:       m.Width,
		Height:      m.Height,
		PixelFormat: m.PixelFormat,
		Flags:       m.Flags,
		Sequence:    uint64(m.Seq),
	}
	if m.Height > 0 {
		f.RowBytes = len(m.Payload) / m.Height
	}
	return f
}

// Writer frames messages onto an io.Writer. It is not safe for concurrent
// use.
type Writer struct {
	w   io.Writer
	seq uint32
	hdr [HeaderSize]byte
}

// NewWriter returns a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteVideo writes one video frame message.
func (w *Writer) WriteVideo(f *media.VideoFrame) error {
	if f.Width > 0xFFFF || f.Height > 0xFFFF {
		return fmt.Errorf("wire: frame %dx%d exceeds header range", f.Width, f.Height)
	}
	return w.write(KindVideo, f.Data, uint32(f.Flags), uint32(f.PixelFormat), uint16(f.Width), uint16(f.Height))
}

// WriteAudio writes one audio chunk message.
func (w *Writer) WriteAudio(format media.AudioFormat, chunk []byte) error {
	return w.write(KindAudio, chunk, 0, uint32(format.SampleRate), uint16(format.Channels), uint16(format.BitDepth))
}

func (w *Writer) write(kind Kind, payload []byte, flags, format uint32, a, b uint16) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	h := w.hdr[:]
	h[0], h[1] = magic[0], magic[1]
	h[2] = Version
	h[3] = byte(kind)
	binary.BigEndian.PutUint32(h[4:], w.seq)
	binary.BigEndian.PutUint32(h[8:], uint32(len(payload)))
	binary.BigEndian.PutUint32(h[12:], flags)
	binary.BigEndian.PutUint32(h[16:], format)
	binary.BigEndian.PutUint16(h[20:], a)
	binary.BigEndian.PutUint16(h[22:], b)
	w.seq++

	if _, err := w.w.Write(h); err != nil {
		return fmt.Errorf("write %s header: %w", kind, err)
	}
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("write %s payload: %w", kind, err)
	}
	return nil
}

// Reader decodes messages from an io.Reader.
type Reader struct {
	r   io.Reader
	hdr [HeaderSize]byte
	buf []byte
}

// NewReader returns a Reader that reads from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next reads the next message. It returns io.EOF when the stream ends
// cleanly between messages and io.ErrUnexpectedEOF when it ends inside one.
func (r *Reader) Next() (*Message, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return nil, err
	}
	h := r.hdr[:]
	seq := binary.BigEndian.Uint32(h[4:])
	if h[0] != magic[0] || h[1] != magic[1] {
		return nil, &HeaderError{Seq: seq, Field: "magic", Err: ErrBadMagic}
	}
	if h[2] != Version {
		return nil, &HeaderError{Seq: seq, Field: "version", Err: fmt.Errorf("%w: %d", ErrVersion, h[2])}
	}
	kind := Kind(h[3])
	if kind != KindVideo && kind != KindAudio {
		return nil, &HeaderError{Seq: seq, Field: "kind", Err: fmt.Errorf("%w: %d", ErrKind, h[3])}
	}
	n := binary.BigEndian.Uint32(h[8:])
	if n > MaxPayload {
		return nil, &HeaderError{Seq: seq, Field: "length", Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, n)}
	}

	if cap(r.buf) < int(n) {
		r.buf = make([]byte, n)
	}
	r.buf = r.buf[:n]
	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read %s payload: %w", kind, err)
	}

	m := &Message{Kind: kind, Seq: seq, Payload: r.buf}
	format := binary.BigEndian.Uint32(h[16:])
	a := int(binary.BigEndian.Uint16(h[20:]))
	b := int(binary.BigEndian.Uint16(h[22:]))
	switch kind {
	case KindVideo:
		m.Flags = media.FrameFlags(binary.BigEndian.Uint32(h[12:]))
		m.PixelFormat = media.PixelFormat(format)
		m.Width, m.Height = a, b
	case KindAudio:
		m.Audio = media.AudioFormat{SampleRate: int(format), Channels: a, BitDepth: b}
	}
	return m, nil
}
