// Package file writes captured video to a raw frame file and audio chunks
// to a WAV file.
package file

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/zsiec/deckcap/internal/media"
	"github.com/zsiec/deckcap/internal/sink"
)

var ErrClosed = errors.New("file: sink closed")

// Options configures a file sink. An empty path disables that stream.
type Options struct {
	VideoPath string
	AudioPath string
	Audio     media.AudioFormat
	Log       *slog.Logger
}

// Sink is a sink.Sink backed by files.
type Sink struct {
	log *slog.Logger

	mu     sync.Mutex
	closed bool

	videoFile *os.File
	video     *bufio.Writer

	audioFile *os.File
	encoder   *wav.Encoder
	audioFmt  media.AudioFormat
	buf       *goaudio.IntBuffer
}

var _ sink.Sink = (*Sink)(nil)

// New creates or truncates the configured files.
func New(opts Options) (*Sink, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Sink{log: log.With("component", "file-sink"), audioFmt: opts.Audio}

	if opts.VideoPath != "" {
		f, err := os.Create(opts.VideoPath)
		if err != nil {
			return nil, fmt.Errorf("create video file: %w", err)
		}
		s.videoFile = f
		s.video = bufio.NewWriterSize(f, 1<<20)
	}

	if opts.AudioPath != "" {
		if !opts.Audio.Valid() {
			s.closeFiles()
			return nil, fmt.Errorf("file: unsupported audio format %+v", opts.Audio)
		}
		f, err := os.Create(opts.AudioPath)
		if err != nil {
			s.closeFiles()
			return nil, fmt.Errorf("create audio file: %w", err)
		}
		s.audioFile = f
		s.encoder = wav.NewEncoder(f, opts.Audio.SampleRate, opts.Audio.BitDepth, opts.Audio.Channels, 1)
		s.buf = &goaudio.IntBuffer{
			Format: &goaudio.Format{
				SampleRate:  opts.Audio.SampleRate,
				NumChannels: opts.Audio.Channels,
			},
			SourceBitDepth: opts.Audio.BitDepth,
		}
	}

	s.log.Info("writing capture files", "video", opts.VideoPath, "audio", opts.AudioPath)
	return s, nil
}

// ConsumeVideo appends the frame's bytes to the video file.
func (s *Sink) ConsumeVideo(frame *media.VideoFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.video == nil {
		return nil
	}
	if _, err := s.video.Write(frame.Data); err != nil {
		return fmt.Errorf("write video frame: %w", err)
	}
	return nil
}

// ConsumeAudio decodes the little-endian PCM chunk and appends it to the
// WAV file.
func (s *Sink) ConsumeAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.encoder == nil {
		return nil
	}
	s.buf.Data = decodePCM(s.buf.Data[:0], chunk, s.audioFmt.BitDepth)
	if err := s.encoder.Write(s.buf); err != nil {
		return fmt.Errorf("write audio chunk: %w", err)
	}
	return nil
}

func decodePCM(dst []int, src []byte, bitDepth int) []int {
	switch bitDepth {
	case 16:
		for i := 0; i+2 <= len(src); i += 2 {
			dst = append(dst, int(int16(binary.LittleEndian.Uint16(src[i:]))))
		}
	case 32:
		for i := 0; i+4 <= len(src); i += 4 {
			dst = append(dst, int(int32(binary.LittleEndian.Uint32(src[i:]))))
		}
	}
	return dst
}

// Close finalizes the WAV header and closes both files.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.video != nil {
		if err := s.video.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush video file: %w", err))
		}
	}
	if s.encoder != nil {
		if err := s.encoder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("finalize wav: %w", err))
		}
	}
	if err := s.closeFiles(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Sink) closeFiles() error {
	var errs []error
	for _, f := range []*os.File{s.videoFile, s.audioFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
