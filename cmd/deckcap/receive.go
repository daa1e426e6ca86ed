package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/deckcap/internal/certs"
	"github.com/zsiec/deckcap/internal/sink"
	"github.com/zsiec/deckcap/internal/sink/file"
	"github.com/zsiec/deckcap/internal/sink/remote"
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Receive a remote capture and write it to files",
	Long: `Listen for a deckcap sender over SRT or QUIC and write the received video
frames and audio chunks to the configured files. For QUIC a self-signed
certificate is generated and its hash logged; pass it to the sender with
--cert-hash.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := setup(cmd)
		if err != nil {
			return err
		}
		defer closeLog()

		listen, _ := cmd.Flags().GetString("listen")
		transport, _ := cmd.Flags().GetString("transport")
		streamID, _ := cmd.Flags().GetString("stream-id")
		videoPath, _ := cmd.Flags().GetString("video-file")
		audioPath, _ := cmd.Flags().GetString("audio-file")
		audio := cfg.Session().Audio

		var out sink.Sink = sink.Discard{}
		if videoPath != "" || audioPath != "" {
			fs, err := file.New(file.Options{VideoPath: videoPath, AudioPath: audioPath, Audio: audio})
			if err != nil {
				return err
			}
			out = fs
		}
		counter := &sink.Counter{Next: out}

		r, err := remote.NewReceiver(remote.ReceiverOptions{
			Sink:     counter,
			Audio:    audio,
			StreamID: streamID,
		})
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(nil)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)

		switch transport {
		case remote.TransportSRT:
			g.Go(func() error { return r.ServeSRT(gctx, listen) })
		case remote.TransportQUIC:
			ln, err := listenQUIC(listen)
			if err != nil {
				counter.Close()
				return err
			}
			g.Go(func() error { return r.ServeQUIC(gctx, ln) })
		default:
			counter.Close()
			return fmt.Errorf("%w: %q", remote.ErrUnknownTransport, transport)
		}

		runErr := g.Wait()
		closeErr := counter.Close()
		st := counter.Stats()
		slog.Info("receive finished", "video_frames", st.VideoFrames, "audio_chunks", st.AudioChunks)
		return errors.Join(runErr, closeErr)
	},
}

func init() {
	f := receiveCmd.Flags()
	f.String("listen", ":7000", "listen address")
	f.String("transport", remote.TransportSRT, "transport: srt or quic")
	f.String("stream-id", "", "accept only this SRT stream ID")
	f.String("video-file", "", "write raw video frames to this file")
	f.String("audio-file", "", "write audio chunks to this WAV file")
}

// listenQUIC binds a QUIC listener with a fresh self-signed certificate and
// logs the hash senders must pin.
func listenQUIC(addr string) (*quic.Listener, error) {
	cert, err := certs.Generate(certs.DefaultValidity)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cert: %w", err)
	}
	slog.Info("certificate generated",
		"cert_hash", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339))
	return remote.ListenQUIC(addr, cert)
}
