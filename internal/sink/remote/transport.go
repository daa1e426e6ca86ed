package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/deckcap/internal/certs"
)

// Transport names.
const (
	TransportSRT  = "srt"
	TransportQUIC = "quic"
)

// ALPN is the QUIC application protocol.
const ALPN = "deckcap/1"

// srtPayloadSize is the standard SRT live-mode payload (7 * 188 bytes).
const srtPayloadSize = 1316

// srtReadBufferSize is the read buffer for SRT socket reads.
const srtReadBufferSize = srtPayloadSize * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const (
	dialTimeout = 10 * time.Second

	// closeWait bounds how long a QUIC sender waits for the receiver to
	// acknowledge the end of the stream before closing the connection.
	closeWait = 2 * time.Second

	quicIdleTimeout = 30 * time.Second
)

var ErrUnknownTransport = errors.New("remote: unknown transport")

// conn is a message-oriented connection. Flush ends the current message.
type conn interface {
	io.Writer
	Flush() error
	Close() error
}

// DialOptions selects and addresses the remote receiver.
type DialOptions struct {
	Transport string
	Addr      string
	// StreamID is sent as the SRT stream ID.
	StreamID string
	// CertHash pins the QUIC receiver certificate. Required for QUIC.
	CertHash string
}

func dial(ctx context.Context, opts DialOptions) (conn, error) {
	switch opts.Transport {
	case TransportSRT, "":
		return dialSRT(ctx, opts.Addr, opts.StreamID)
	case TransportQUIC:
		return dialQUIC(ctx, opts.Addr, opts.CertHash)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, opts.Transport)
	}
}

// dialSRT dials with a timeout. srtgo.Dial does not take a context, so a
// connection that completes after the caller gave up is closed in the
// background.
func dialSRT(ctx context.Context, addr, streamID string) (conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{c, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", addr, res.err)
		}
		return newPacketizer(srtConn{res.conn}, srtPayloadSize), nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("SRT dial %s timed out after %s", addr, dialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

type srtConn struct {
	c *srtgo.Conn
}

func (s srtConn) Write(b []byte) (int, error) { return s.c.Write(b) }

func (s srtConn) Close() error {
	s.c.Close()
	return nil
}

// packetizer cuts the byte stream into packets of at most size bytes,
// filling each packet before writing it.
type packetizer struct {
	w   io.WriteCloser
	buf []byte
}

func newPacketizer(w io.WriteCloser, size int) *packetizer {
	return &packetizer{w: w, buf: make([]byte, 0, size)}
}

func (p *packetizer) Write(b []byte) (int, error) {
	n := 0
	for len(b) > 0 {
		k := copy(p.buf[len(p.buf):cap(p.buf)], b)
		p.buf = p.buf[:len(p.buf)+k]
		b = b[k:]
		n += k
		if len(p.buf) == cap(p.buf) {
			if err := p.Flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (p *packetizer) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	_, err := p.w.Write(p.buf)
	p.buf = p.buf[:0]
	return err
}

func (p *packetizer) Close() error {
	ferr := p.Flush()
	return errors.Join(ferr, p.w.Close())
}

func dialQUIC(ctx context.Context, addr, certHash string) (conn, error) {
	if certHash == "" {
		return nil, errors.New("remote: QUIC requires the receiver cert hash")
	}
	tlsConf, err := certs.PinnedConfig(certHash, ALPN)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	qc, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{MaxIdleTimeout: quicIdleTimeout})
	if err != nil {
		return nil, fmt.Errorf("QUIC dial %s: %w", addr, err)
	}
	stream, err := qc.OpenUniStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(quicErrInternal, "open stream failed")
		return nil, fmt.Errorf("QUIC open stream: %w", err)
	}
	return &quicConn{conn: qc, stream: stream}, nil
}

// QUIC application error codes.
const (
	quicErrNone     quic.ApplicationErrorCode = 0
	quicErrInternal quic.ApplicationErrorCode = 1
	quicErrProtocol quic.ApplicationErrorCode = 2
)

type quicConn struct {
	conn   quic.Connection
	stream quic.SendStream
}

func (c *quicConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

func (c *quicConn) Flush() error { return nil }

// Close ends the stream and lets the receiver close the connection once it
// has read everything, falling back to closing it after closeWait.
func (c *quicConn) Close() error {
	err := c.stream.Close()
	timer := time.NewTimer(closeWait)
	defer timer.Stop()
	select {
	case <-c.conn.Context().Done():
	case <-timer.C:
	}
	c.conn.CloseWithError(quicErrNone, "")
	return err
}
