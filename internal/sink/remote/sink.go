package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/deckcap/internal/media"
	"github.com/zsiec/deckcap/internal/sink"
	"github.com/zsiec/deckcap/internal/wire"
)

// DefaultQueue is the queue depth used when Options.Queue is zero.
const DefaultQueue = 64

var (
	ErrClosed       = errors.New("remote: sink closed")
	ErrDisconnected = errors.New("remote: connection lost")
)

// Options configures a remote Sink.
type Options struct {
	DialOptions
	// Audio is the format stamped on audio chunk messages.
	Audio media.AudioFormat
	// Queue is the number of messages buffered between the capture
	// callback and the network writer.
	Queue int
	Log   *slog.Logger
}

// Stats is a snapshot of a Sink's counters.
type Stats struct {
	VideoSent   int64  `json:"videoSent"`
	AudioSent   int64  `json:"audioSent"`
	BytesSent   int64  `json:"bytesSent"`
	Dropped     int64  `json:"dropped"`
	QueueDepth  int    `json:"queueDepth"`
	WriteErrors int64  `json:"writeErrors"`
	LastError   string `json:"lastError,omitempty"`
}

type item struct {
	kind  wire.Kind
	frame media.VideoFrame
	data  []byte
}

// Sink is a sink.Sink that copies each frame and chunk into a bounded
// queue drained by a writer goroutine. When the queue is full the message
// is dropped, so the capture callback never blocks on the network.
type Sink struct {
	log   *slog.Logger
	conn  conn
	w     *wire.Writer
	audio media.AudioFormat

	mu     sync.RWMutex
	closed bool
	queue  chan item
	done   chan struct{}

	videoSent   atomic.Int64
	audioSent   atomic.Int64
	bytesSent   atomic.Int64
	dropped     atomic.Int64
	writeErrors atomic.Int64
	lastErr     atomic.Value
	broken      atomic.Bool
}

var _ sink.Sink = (*Sink)(nil)

// Dial connects to the receiver and returns a running Sink.
func Dial(ctx context.Context, opts Options) (*Sink, error) {
	c, err := dial(ctx, opts.DialOptions)
	if err != nil {
		return nil, err
	}
	s := newSink(c, opts)
	s.log.Info("connected", "transport", opts.Transport, "addr", opts.Addr, "stream_id", opts.StreamID)
	return s, nil
}

func newSink(c conn, opts Options) *Sink {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	depth := opts.Queue
	if depth <= 0 {
		depth = DefaultQueue
	}
	s := &Sink{
		log:   log.With("component", "remote-sink"),
		conn:  c,
		w:     wire.NewWriter(c),
		audio: opts.Audio,
		queue: make(chan item, depth),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// ConsumeVideo queues a copy of the frame.
func (s *Sink) ConsumeVideo(frame *media.VideoFrame) error {
	it := item{kind: wire.KindVideo, frame: *frame}
	it.frame.Data = nil
	it.data = append([]byte(nil), frame.Data...)
	return s.enqueue(it)
}

// ConsumeAudio queues a copy of the chunk.
func (s *Sink) ConsumeAudio(chunk []byte) error {
	return s.enqueue(item{kind: wire.KindAudio, data: append([]byte(nil), chunk...)})
}

func (s *Sink) enqueue(it item) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if s.broken.Load() {
		return ErrDisconnected
	}
	select {
	case s.queue <- it:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn("queue full, dropping", "kind", it.kind, "dropped", n)
		}
	}
	return nil
}

func (s *Sink) run() {
	defer close(s.done)
	for it := range s.queue {
		if s.broken.Load() {
			continue
		}
		if err := s.send(it); err != nil {
			s.writeErrors.Add(1)
			s.lastErr.Store(err.Error())
			s.log.Error("send failed, discarding further messages", "error", err)
			s.broken.Store(true)
		}
	}
}

func (s *Sink) send(it item) error {
	var err error
	switch it.kind {
	case wire.KindVideo:
		it.frame.Data = it.data
		err = s.w.WriteVideo(&it.frame)
	case wire.KindAudio:
		err = s.w.WriteAudio(s.audio, it.data)
	}
	if err == nil {
		err = s.conn.Flush()
	}
	if err != nil {
		return err
	}
	if it.kind == wire.KindVideo {
		s.videoSent.Add(1)
	} else {
		s.audioSent.Add(1)
	}
	s.bytesSent.Add(int64(wire.HeaderSize + len(it.data)))
	return nil
}

// Close stops accepting messages, sends what is queued and closes the
// connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	st := s.Stats()
	s.log.Info("remote sink closed",
		"video_sent", st.VideoSent,
		"audio_sent", st.AudioSent,
		"dropped", st.Dropped)
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close remote connection: %w", err)
	}
	return nil
}

// Stats returns the current counters.
func (s *Sink) Stats() Stats {
	last, _ := s.lastErr.Load().(string)
	return Stats{
		VideoSent:   s.videoSent.Load(),
		AudioSent:   s.audioSent.Load(),
		BytesSent:   s.bytesSent.Load(),
		Dropped:     s.dropped.Load(),
		QueueDepth:  len(s.queue),
		WriteErrors: s.writeErrors.Load(),
		LastError:   last,
	}
}
