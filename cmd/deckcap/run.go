package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/deckcap/internal/config"
	"github.com/zsiec/deckcap/internal/device"
	"github.com/zsiec/deckcap/internal/session"
	"github.com/zsiec/deckcap/internal/sink"
	"github.com/zsiec/deckcap/internal/sink/file"
	"github.com/zsiec/deckcap/internal/sink/remote"
	"github.com/zsiec/deckcap/internal/status"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture until interrupted",
	Long: `Open the configured device, negotiate the display mode and forward video
frames and fixed-size audio chunks to the configured outputs. SIGHUP restarts
the streams; SIGINT or SIGTERM stops the capture.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := setup(cmd)
		if err != nil {
			return err
		}
		defer closeLog()
		return runCapture(cfg)
	},
}

func init() {
	f := runCmd.Flags()
	f.Int("device", 0, "device index")
	f.String("mode", "auto", "display mode name, index, or auto")
	f.String("pixel-format", "8bit-yuv", "pixel format: 8bit-yuv, 10bit-yuv, 8bit-argb, 8bit-bgra")
	f.Bool("3d", false, "enable dual-stream 3D capture")
	f.Int("channels", 2, "audio channels: 2, 8 or 16")
	f.Int("bit-depth", 16, "audio sample depth: 16 or 32")
	f.Int("chunk-samples", 1152, "audio chunk size in sample frames")
	f.String("video-file", "", "write raw video frames to this file")
	f.String("audio-file", "", "write audio chunks to this WAV file")
	f.String("remote", "", "send frames and chunks to this receiver address")
	f.String("transport", "srt", "remote transport: srt or quic")
	f.String("stream-id", "deckcap", "SRT stream ID")
	f.String("cert-hash", "", "QUIC receiver certificate hash (base64 SHA-256)")
	f.String("status-addr", "", "serve the status API on this address")
	bindFlags(f, map[string]string{
		"device.index":            "device",
		"video.mode":              "mode",
		"video.pixel_format":      "pixel-format",
		"video.dual_stream_3d":    "3d",
		"audio.channels":          "channels",
		"audio.bit_depth":         "bit-depth",
		"audio.chunk_samples":     "chunk-samples",
		"output.video_file":       "video-file",
		"output.audio_file":       "audio-file",
		"output.remote.addr":      "remote",
		"output.remote.transport": "transport",
		"output.remote.stream_id": "stream-id",
		"output.remote.cert_hash": "cert-hash",
		"status.addr":             "status-addr",
	})
}

// outputs is the set of sinks a capture feeds, wrapped in a counter.
type outputs struct {
	total  *sink.Counter
	file   *file.Sink
	remote *remote.Sink
}

func openOutputs(ctx context.Context, cfg *config.Config) (*outputs, error) {
	o := &outputs{}
	var tee sink.Tee
	sc := cfg.Session()

	if cfg.Output.VideoFile != "" || cfg.Output.AudioFile != "" {
		fs, err := file.New(file.Options{
			VideoPath: cfg.Output.VideoFile,
			AudioPath: cfg.Output.AudioFile,
			Audio:     sc.Audio,
		})
		if err != nil {
			return nil, err
		}
		o.file = fs
		tee = append(tee, fs)
	}

	if rc := cfg.Output.Remote; rc.Addr != "" {
		rs, err := remote.Dial(ctx, remote.Options{
			DialOptions: remote.DialOptions{
				Transport: rc.Transport,
				Addr:      rc.Addr,
				StreamID:  rc.StreamID,
				CertHash:  rc.CertHash,
			},
			Audio: sc.Audio,
			Queue: rc.Queue,
		})
		if err != nil {
			tee.Close()
			return nil, err
		}
		o.remote = rs
		tee = append(tee, rs)
	}

	if len(tee) == 0 {
		slog.Warn("no outputs configured, captured data is only counted")
	}
	o.total = &sink.Counter{Next: tee}
	return o, nil
}

func (o *outputs) stats() map[string]any {
	m := map[string]any{"total": o.total.Stats()}
	if o.remote != nil {
		m["remote"] = o.remote.Stats()
	}
	return m
}

func runCapture(cfg *config.Config) error {
	driver, err := device.Open(cfg.Device.Driver)
	if err != nil {
		return err
	}

	var current atomic.Pointer[session.Controller]
	ctx, cancel := signalContext(func() {
		if c := current.Load(); c != nil {
			c.Restart()
		}
	})
	defer cancel()

	outs, err := openOutputs(ctx, cfg)
	if err != nil {
		return err
	}
	ctrl := session.New(cfg.Session(), driver, outs.total, nil)
	current.Store(ctrl)

	slog.Info("deckcap starting",
		"version", version,
		"session", ctrl.ID(),
		"driver", cfg.Device.Driver,
		"device", cfg.Device.Index,
		"mode", cfg.Video.Mode,
		"status", cfg.Status.Addr)

	var srv *status.Server
	if cfg.Status.Addr != "" {
		srv, err = status.NewServer(status.Config{
			Addr:    cfg.Status.Addr,
			Version: version,
			Session: ctrl.Snapshot,
			Devices: func() ([]session.DeviceInfo, error) { return session.ListDevices(driver) },
			Outputs: outs.stats,
			Restart: ctrl.Restart,
		})
		if err != nil {
			outs.total.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The session ending for any reason ends the process.
		defer cancel()
		return ctrl.Run(gctx)
	})
	if srv != nil {
		g.Go(func() error { return srv.Start(gctx) })
	}

	runErr := g.Wait()
	closeErr := outs.total.Close()

	st := outs.total.Stats()
	slog.Info("capture finished",
		"video_frames", st.VideoFrames,
		"audio_chunks", st.AudioChunks,
		"audio_bytes", st.AudioBytes)

	if err := errors.Join(runErr, closeErr); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return nil
}
