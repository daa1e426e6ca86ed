package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/deckcap/internal/certs"
	"github.com/zsiec/deckcap/internal/media"
	"github.com/zsiec/deckcap/internal/sink"
	"github.com/zsiec/deckcap/internal/wire"
)

type packetRecorder struct {
	packets [][]byte
	closed  bool
}

func (p *packetRecorder) Write(b []byte) (int, error) {
	p.packets = append(p.packets, append([]byte(nil), b...))
	return len(b), nil
}

func (p *packetRecorder) Close() error {
	p.closed = true
	return nil
}

func TestPacketizer(t *testing.T) {
	t.Parallel()
	rec := &packetRecorder{}
	p := newPacketizer(rec, srtPayloadSize)

	msg := bytes.Repeat([]byte{7}, 3000)
	if n, err := p.Write(msg[:24]); err != nil || n != 24 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if n, err := p.Write(msg[24:]); err != nil || n != 2976 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := len(rec.packets); got != 2 {
		t.Fatalf("got %d packets before flush, want 2", got)
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
	want := []int{1316, 1316, 368}
	if len(rec.packets) != len(want) {
		t.Fatalf("got %d packets, want %d", len(rec.packets), len(want))
	}
	for i, n := range want {
		if len(rec.packets[i]) != n {
			t.Errorf("packet %d is %d bytes, want %d", i, len(rec.packets[i]), n)
		}
	}
	if err := p.Flush(); err != nil || len(rec.packets) != 3 {
		t.Errorf("empty flush wrote a packet")
	}
	if err := p.Close(); err != nil || !rec.closed {
		t.Errorf("Close = %v, closed %v", err, rec.closed)
	}
}

// pipeConn is a conn over an io.Pipe that can be held blocked.
type pipeConn struct {
	w       *io.PipeWriter
	gate    chan struct{}
	flushes int
	mu      sync.Mutex
}

func (c *pipeConn) Write(b []byte) (int, error) {
	<-c.gate
	return c.w.Write(b)
}

func (c *pipeConn) Flush() error {
	c.mu.Lock()
	c.flushes++
	c.mu.Unlock()
	return nil
}

func (c *pipeConn) Close() error { return c.w.Close() }

func newPipeConn(open bool) (*pipeConn, *io.PipeReader) {
	pr, pw := io.Pipe()
	c := &pipeConn{w: pw, gate: make(chan struct{})}
	if open {
		close(c.gate)
	}
	return c, pr
}

// collector is a sink that records what it receives.
type collector struct {
	mu     sync.Mutex
	frames []media.VideoFrame
	audio  [][]byte
}

func (c *collector) ConsumeVideo(f *media.VideoFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *f
	cp.Data = append([]byte(nil), f.Data...)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *collector) ConsumeAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, append([]byte(nil), chunk...))
	return nil
}

func (c *collector) Close() error { return nil }

func (c *collector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames), len(c.audio)
}

func testFrame(n byte) *media.VideoFrame {
	return &media.VideoFrame{
		Data:        bytes.Repeat([]byte{n}, 64*2*2),
		RowBytes:    128,
		Width:       64,
		Height:      2,
		PixelFormat: media.Format8BitYUV,
	}
}

func TestSinkReceiverInMemory(t *testing.T) {
	t.Parallel()
	c, pr := newPipeConn(true)
	s := newSink(c, Options{Audio: media.DefaultAudioFormat(), Queue: 16})

	out := &collector{}
	r, err := NewReceiver(ReceiverOptions{Sink: out, Audio: media.DefaultAudioFormat()})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- r.consume(r.register("pipe", "mem", ""), pr) }()

	frame := testFrame(9)
	chunk := bytes.Repeat([]byte{1, 2, 3, 4}, 1152)
	for range 3 {
		if err := s.ConsumeVideo(frame); err != nil {
			t.Fatalf("ConsumeVideo: %v", err)
		}
		if err := s.ConsumeAudio(chunk); err != nil {
			t.Fatalf("ConsumeAudio: %v", err)
		}
	}
	// Mutating the source after Consume must not affect what is sent.
	frame.Data[0] = 0

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("consume: %v", err)
	}

	st := s.Stats()
	if st.VideoSent != 3 || st.AudioSent != 3 || st.Dropped != 0 {
		t.Errorf("sink stats = %+v, want 3 video 3 audio 0 dropped", st)
	}
	if c.flushes != 6 {
		t.Errorf("flushes = %d, want 6", c.flushes)
	}
	if len(out.frames) != 3 || len(out.audio) != 3 {
		t.Fatalf("received %d frames %d chunks, want 3 and 3", len(out.frames), len(out.audio))
	}
	if got := out.frames[0]; got.Width != 64 || got.Height != 2 || got.RowBytes != 128 || got.Data[0] != 9 {
		t.Errorf("frame = %dx%d row %d first byte %d", got.Width, got.Height, got.RowBytes, got.Data[0])
	}
	if !bytes.Equal(out.audio[2], chunk) {
		t.Error("audio chunk mismatch")
	}
	if rs := r.Stats(); rs.VideoFrames != 3 || rs.AudioChunks != 3 {
		t.Errorf("receiver stats = %+v", rs)
	}

	if err := s.ConsumeAudio(chunk); !errors.Is(err, ErrClosed) {
		t.Errorf("ConsumeAudio after Close = %v, want ErrClosed", err)
	}
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	c, pr := newPipeConn(false)
	go io.Copy(io.Discard, pr)
	s := newSink(c, Options{Audio: media.DefaultAudioFormat(), Queue: 2})

	chunk := make([]byte, 4608)
	start := time.Now()
	for range 50 {
		if err := s.ConsumeAudio(chunk); err != nil {
			t.Fatalf("ConsumeAudio: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("ConsumeAudio blocked for %v", elapsed)
	}

	// One message is held by the blocked writer, two wait in the queue.
	if got := s.Stats().Dropped; got != 47 && got != 48 {
		t.Errorf("dropped = %d, want 47 or 48", got)
	}

	close(c.gate)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st := s.Stats()
	if st.AudioSent+st.Dropped != 50 {
		t.Errorf("sent %d + dropped %d != 50", st.AudioSent, st.Dropped)
	}
}

type brokenConn struct{}

func (brokenConn) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (brokenConn) Flush() error              { return nil }
func (brokenConn) Close() error              { return nil }

func TestSinkReportsLostConnection(t *testing.T) {
	t.Parallel()
	s := newSink(brokenConn{}, Options{Audio: media.DefaultAudioFormat(), Queue: 4})
	if err := s.ConsumeAudio(make([]byte, 16)); err != nil {
		t.Fatalf("first ConsumeAudio: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().WriteErrors == 0 {
		if time.Now().After(deadline) {
			t.Fatal("write error never recorded")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.ConsumeAudio(make([]byte, 16)); !errors.Is(err, ErrDisconnected) {
		t.Errorf("ConsumeAudio after failure = %v, want ErrDisconnected", err)
	}
	if st := s.Stats(); st.LastError == "" {
		t.Error("LastError not recorded")
	}
	s.Close()
}

func TestReceiverAudioFormatCheck(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	other := media.AudioFormat{SampleRate: 48000, BitDepth: 32, Channels: 8}
	w.WriteAudio(other, make([]byte, 32))
	w.WriteAudio(media.DefaultAudioFormat(), make([]byte, 4))

	out := &collector{}
	r, _ := NewReceiver(ReceiverOptions{Sink: out, Audio: media.DefaultAudioFormat()})
	if err := r.consume(r.register("mem", "mem", ""), &buf); err != nil {
		t.Fatalf("consume: %v", err)
	}
	st := r.Stats()
	if st.FormatDrops != 1 || st.AudioChunks != 1 {
		t.Errorf("stats = %+v, want 1 format drop and 1 chunk", st)
	}
}

func TestReceiverDecodeError(t *testing.T) {
	t.Parallel()
	r, _ := NewReceiver(ReceiverOptions{Sink: sink.Discard{}})
	garbage := bytes.Repeat([]byte{0xEE}, 2*wire.HeaderSize)
	err := r.consume(r.register("mem", "mem", ""), bytes.NewReader(garbage))
	if !errors.Is(err, wire.ErrBadMagic) {
		t.Fatalf("consume = %v, want ErrBadMagic", err)
	}
	if got := r.Stats().DecodeErrors; got != 1 {
		t.Errorf("decode errors = %d, want 1", got)
	}
}

func TestAcceptStreamID(t *testing.T) {
	t.Parallel()
	open, _ := NewReceiver(ReceiverOptions{Sink: sink.Discard{}})
	pinned, _ := NewReceiver(ReceiverOptions{Sink: sink.Discard{}, StreamID: "studio-a"})

	tests := []struct {
		r    *Receiver
		id   string
		want bool
	}{
		{open, "", false},
		{open, "/", false},
		{open, "anything", true},
		{pinned, "studio-a", true},
		{pinned, "/studio-a", true},
		{pinned, "studio-b", false},
	}
	for _, tt := range tests {
		if got := tt.r.acceptStreamID(tt.id); got != tt.want {
			t.Errorf("acceptStreamID(%q) with pin %q = %v, want %v", tt.id, tt.r.streamID, got, tt.want)
		}
	}
}

func TestDialUnknownTransport(t *testing.T) {
	t.Parallel()
	_, err := Dial(context.Background(), Options{DialOptions: DialOptions{Transport: "carrier-pigeon"}})
	if !errors.Is(err, ErrUnknownTransport) {
		t.Errorf("Dial = %v, want ErrUnknownTransport", err)
	}
	_, err = Dial(context.Background(), Options{DialOptions: DialOptions{Transport: TransportQUIC, Addr: "127.0.0.1:1"}})
	if err == nil {
		t.Error("QUIC dial without cert hash succeeded")
	}
}

func TestQUICLoopback(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := ListenQUIC("127.0.0.1:0", cert)
	if err != nil {
		t.Fatalf("ListenQUIC: %v", err)
	}

	out := &collector{}
	r, err := NewReceiver(ReceiverOptions{Sink: out, Audio: media.DefaultAudioFormat()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- r.ServeQUIC(ctx, ln) }()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	s, err := Dial(dialCtx, Options{
		DialOptions: DialOptions{
			Transport: TransportQUIC,
			Addr:      ln.Addr().String(),
			CertHash:  cert.FingerprintBase64(),
		},
		Audio: media.DefaultAudioFormat(),
		Queue: 32,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	chunk := bytes.Repeat([]byte{5}, 4608)
	for i := range 4 {
		if err := s.ConsumeVideo(testFrame(byte(i))); err != nil {
			t.Fatalf("ConsumeVideo: %v", err)
		}
		if err := s.ConsumeAudio(chunk); err != nil {
			t.Fatalf("ConsumeAudio: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		v, a := out.counts()
		if v == 4 && a == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d frames %d chunks, want 4 and 4", v, a)
		}
		time.Sleep(5 * time.Millisecond)
	}
	out.mu.Lock()
	for i, f := range out.frames {
		if f.Data[0] != byte(i) {
			t.Errorf("frame %d first byte = %d, want %d", i, f.Data[0], i)
		}
	}
	out.mu.Unlock()

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("ServeQUIC: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("ServeQUIC did not return after cancel")
	}
}

func TestQUICRejectsWrongCert(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := ListenQUIC("127.0.0.1:0", cert)
	if err != nil {
		t.Fatalf("ListenQUIC: %v", err)
	}
	r, _ := NewReceiver(ReceiverOptions{Sink: sink.Discard{}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.ServeQUIC(ctx, ln)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	_, err = Dial(dialCtx, Options{DialOptions: DialOptions{
		Transport: TransportQUIC,
		Addr:      ln.Addr().String(),
		CertHash:  other.FingerprintBase64(),
	}})
	if err == nil {
		t.Fatal("Dial succeeded against an unpinned certificate")
	}
}
