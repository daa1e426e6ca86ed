package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/deckcap/internal/certs"
	"github.com/zsiec/deckcap/internal/media"
	"github.com/zsiec/deckcap/internal/sink"
	"github.com/zsiec/deckcap/internal/wire"
)

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	// Sink receives every decoded frame and chunk. Deliveries from
	// concurrent connections are serialized.
	Sink sink.Sink
	// Audio, when valid, is the only audio format accepted. Chunks in any
	// other format are counted and dropped.
	Audio media.AudioFormat
	// StreamID, when set, is the only SRT stream ID accepted. An empty
	// StreamID accepts any non-empty one.
	StreamID string
	Log      *slog.Logger
}

// ConnStats describes one receiving connection.
type ConnStats struct {
	ID          uint64 `json:"id"`
	Transport   string `json:"transport"`
	RemoteAddr  string `json:"remoteAddr"`
	StreamID    string `json:"streamId,omitempty"`
	Messages    int64  `json:"messages"`
	Bytes       int64  `json:"bytes"`
	ConnectedAt int64  `json:"connectedAt"`
	UptimeMs    int64  `json:"uptimeMs"`
}

type connEntry struct {
	id        uint64
	transport string
	remote    string
	streamID  string
	started   time.Time
	messages  atomic.Int64
	bytes     atomic.Int64
}

func (e *connEntry) stats() ConnStats {
	return ConnStats{
		ID:          e.id,
		Transport:   e.transport,
		RemoteAddr:  e.remote,
		StreamID:    e.streamID,
		Messages:    e.messages.Load(),
		Bytes:       e.bytes.Load(),
		ConnectedAt: e.started.UnixMilli(),
		UptimeMs:    time.Since(e.started).Milliseconds(),
	}
}

// ReceiverStats is a snapshot of a Receiver's counters.
type ReceiverStats struct {
	VideoFrames  int64       `json:"videoFrames"`
	AudioChunks  int64       `json:"audioChunks"`
	FormatDrops  int64       `json:"formatDrops"`
	SinkErrors   int64       `json:"sinkErrors"`
	DecodeErrors int64       `json:"decodeErrors"`
	Conns        []ConnStats `json:"conns"`
}

// Receiver accepts remote sink connections and feeds their messages into a
// sink.
type Receiver struct {
	log      *slog.Logger
	out      sink.Sink
	audio    media.AudioFormat
	streamID string

	deliverMu sync.Mutex

	mu     sync.RWMutex
	conns  map[uint64]*connEntry
	nextID uint64

	videoFrames  atomic.Int64
	audioChunks  atomic.Int64
	formatDrops  atomic.Int64
	sinkErrors   atomic.Int64
	decodeErrors atomic.Int64
}

// NewReceiver creates a Receiver. If opts.Log is nil, slog.Default() is used.
func NewReceiver(opts ReceiverOptions) (*Receiver, error) {
	if opts.Sink == nil {
		return nil, errors.New("remote: receiver needs a sink")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		log:      log.With("component", "remote-receiver"),
		out:      opts.Sink,
		audio:    opts.Audio,
		streamID: opts.StreamID,
		conns:    make(map[uint64]*connEntry),
	}, nil
}

// ServeSRT accepts SRT connections on addr. It blocks until the context is
// cancelled.
func (r *Receiver) ServeSRT(ctx context.Context, addr string) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", addr, err)
	}
	r.log.Info("listening", "transport", TransportSRT, "addr", addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !r.acceptStreamID(req.StreamID) {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("accept error", "error", err)
			continue
		}
		go r.handleSRT(ctx, c)
	}
}

func (r *Receiver) acceptStreamID(id string) bool {
	id = strings.TrimPrefix(id, "/")
	if id == "" {
		return false
	}
	return r.streamID == "" || id == r.streamID
}

// handleSRT pipes socket reads into the decoder so that message
// boundaries need not line up with SRT packets.
func (r *Receiver) handleSRT(ctx context.Context, c *srtgo.Conn) {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	e := r.register(TransportSRT, c.RemoteAddr().String(), c.StreamID())
	defer r.unregister(e)

	pr, pw := io.Pipe()
	go func() {
		buf := make([]byte, srtReadBufferSize)
		for {
			n, err := c.Read(buf)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			e.bytes.Add(int64(n))
			if _, err := pw.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
	err := r.consume(e, pr)
	pr.Close()
	r.logEnd(e, err)
}

// ListenQUIC opens a QUIC listener presenting cert.
func ListenQUIC(addr string, cert *certs.CertInfo) (*quic.Listener, error) {
	ln, err := quic.ListenAddr(addr, cert.ServerConfig(ALPN), &quic.Config{MaxIdleTimeout: quicIdleTimeout})
	if err != nil {
		return nil, fmt.Errorf("QUIC listen on %s: %w", addr, err)
	}
	return ln, nil
}

// ServeQUIC accepts connections on ln, reading one unidirectional stream
// per connection. It closes ln and returns when the context is cancelled.
func (r *Receiver) ServeQUIC(ctx context.Context, ln *quic.Listener) error {
	r.log.Info("listening", "transport", TransportQUIC, "addr", ln.Addr())
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("QUIC accept: %w", err)
		}
		go r.handleQUIC(ctx, qc)
	}
}

func (r *Receiver) handleQUIC(ctx context.Context, qc quic.Connection) {
	e := r.register(TransportQUIC, qc.RemoteAddr().String(), "")
	defer r.unregister(e)
	stop := context.AfterFunc(ctx, func() { qc.CloseWithError(quicErrNone, "shutdown") })
	defer stop()

	stream, err := qc.AcceptUniStream(ctx)
	if err != nil {
		qc.CloseWithError(quicErrProtocol, "no stream")
		r.logEnd(e, err)
		return
	}
	err = r.consume(e, &countingReader{r: stream, n: &e.bytes})
	if err != nil {
		qc.CloseWithError(quicErrProtocol, "decode failed")
	} else {
		qc.CloseWithError(quicErrNone, "")
	}
	r.logEnd(e, err)
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// consume decodes messages until the stream ends. A clean end of stream
// returns nil.
func (r *Receiver) consume(e *connEntry, src io.Reader) error {
	rd := wire.NewReader(src)
	for {
		m, err := rd.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var he *wire.HeaderError
			if errors.As(err, &he) {
				r.decodeErrors.Add(1)
			}
			return err
		}
		e.messages.Add(1)
		r.deliver(m)
	}
}

func (r *Receiver) deliver(m *wire.Message) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	var err error
	switch m.Kind {
	case wire.KindVideo:
		r.videoFrames.Add(1)
		err = r.out.ConsumeVideo(m.VideoFrame())
	case wire.KindAudio:
		if r.audio.Valid() && m.Audio != r.audio {
			if n := r.formatDrops.Add(1); n == 1 {
				r.log.Warn("dropping audio in unexpected format", "got", m.Audio, "want", r.audio)
			}
			return
		}
		r.audioChunks.Add(1)
		err = r.out.ConsumeAudio(m.Payload)
	}
	if err != nil {
		if n := r.sinkErrors.Add(1); n == 1 {
			r.log.Warn("sink error", "kind", m.Kind, "error", err)
		}
	}
}

func (r *Receiver) register(transport, remote, streamID string) *connEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e := &connEntry{
		id:        r.nextID,
		transport: transport,
		remote:    remote,
		streamID:  streamID,
		started:   time.Now(),
	}
	r.conns[e.id] = e
	r.log.Info("sender connected", "id", e.id, "transport", transport, "remote", remote, "stream_id", streamID)
	return e
}

func (r *Receiver) unregister(e *connEntry) {
	r.mu.Lock()
	delete(r.conns, e.id)
	r.mu.Unlock()
}

func (r *Receiver) logEnd(e *connEntry, err error) {
	st := e.stats()
	attrs := []any{"id", st.ID, "messages", st.Messages, "bytes", st.Bytes, "uptime_ms", st.UptimeMs}
	if err != nil {
		r.log.Warn("connection ended with error", append(attrs, "error", err)...)
		return
	}
	r.log.Info("connection closed", attrs...)
}

// Stats returns the receiver counters and the open connections.
func (r *Receiver) Stats() ReceiverStats {
	st := ReceiverStats{
		VideoFrames:  r.videoFrames.Load(),
		AudioChunks:  r.audioChunks.Load(),
		FormatDrops:  r.formatDrops.Load(),
		SinkErrors:   r.sinkErrors.Load(),
		DecodeErrors: r.decodeErrors.Load(),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.conns {
		st.Conns = append(st.Conns, e.stats())
	}
	return st
}
