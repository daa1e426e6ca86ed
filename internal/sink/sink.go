// Package sink defines the encoder-facing output of the capture core and a
// few composable implementations.
package sink

import (
	"errors"
	"sync/atomic"

	"github.com/zsiec/deckcap/internal/media"
)

// Sink consumes forwarded video frames and fixed-size audio chunks. Both
// methods are called on the capture device's delivery goroutine and must not
// block. The frame data and chunk alias capture buffers and are only valid
// until the call returns.
type Sink interface {
	ConsumeVideo(frame *media.VideoFrame) error
	ConsumeAudio(chunk []byte) error
	Close() error
}

// Discard drops everything.
type Discard struct{}

func (Discard) ConsumeVideo(*media.VideoFrame) error { return nil }
func (Discard) ConsumeAudio([]byte) error            { return nil }
func (Discard) Close() error                         { return nil }

// Tee fans out to several sinks. Every sink is called even when an earlier
// one fails; the errors are joined.
type Tee []Sink

func (t Tee) ConsumeVideo(frame *media.VideoFrame) error {
	var errs []error
	for _, s := range t {
		if err := s.ConsumeVideo(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) ConsumeAudio(chunk []byte) error {
	var errs []error
	for _, s := range t {
		if err := s.ConsumeAudio(chunk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink in reverse order.
func (t Tee) Close() error {
	var errs []error
	for i := len(t) - 1; i >= 0; i-- {
		if err := t[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CounterStats is a snapshot of a Counter.
type CounterStats struct {
	VideoFrames int64 `json:"videoFrames"`
	VideoBytes  int64 `json:"videoBytes"`
	AudioChunks int64 `json:"audioChunks"`
	AudioBytes  int64 `json:"audioBytes"`
}

// Counter wraps a sink and counts what passes through it. A nil Next
// behaves like Discard.
type Counter struct {
	Next Sink

	videoFrames atomic.Int64
	videoBytes  atomic.Int64
	audioChunks atomic.Int64
	audioBytes  atomic.Int64
}

func (c *Counter) ConsumeVideo(frame *media.VideoFrame) error {
	c.videoFrames.Add(1)
	c.videoBytes.Add(int64(len(frame.Data)))
	if c.Next == nil {
		return nil
	}
	return c.Next.ConsumeVideo(frame)
}

func (c *Counter) ConsumeAudio(chunk []byte) error {
	c.audioChunks.Add(1)
	c.audioBytes.Add(int64(len(chunk)))
	if c.Next == nil {
		return nil
	}
	return c.Next.ConsumeAudio(chunk)
}

func (c *Counter) Close() error {
	if c.Next == nil {
		return nil
	}
	return c.Next.Close()
}

// Stats returns the current counts.
func (c *Counter) Stats() CounterStats {
	return CounterStats{
		VideoFrames: c.videoFrames.Load(),
		VideoBytes:  c.videoBytes.Load(),
		AudioChunks: c.audioChunks.Load(),
		AudioBytes:  c.audioBytes.Load(),
	}
}
