// Package config loads deckcap settings from defaults, an optional YAML
// file and DECKCAP_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/zsiec/deckcap/internal/logging"
	"github.com/zsiec/deckcap/internal/media"
	"github.com/zsiec/deckcap/internal/session"
)

// Config holds all deckcap configuration.
type Config struct {
	Device DeviceConfig `mapstructure:"device"`
	Video  VideoConfig  `mapstructure:"video"`
	Audio  AudioConfig  `mapstructure:"audio"`
	Output OutputConfig `mapstructure:"output"`
	Status StatusConfig `mapstructure:"status"`
	Log    LogConfig    `mapstructure:"log"`
}

type DeviceConfig struct {
	Driver string `mapstructure:"driver"`
	Index  int    `mapstructure:"index"`
}

type VideoConfig struct {
	// Mode is a display mode name, a mode index, or "auto".
	Mode         string `mapstructure:"mode"`
	PixelFormat  string `mapstructure:"pixel_format"`
	DualStream3D bool   `mapstructure:"dual_stream_3d"`
}

type AudioConfig struct {
	Channels     int `mapstructure:"channels"`
	BitDepth     int `mapstructure:"bit_depth"`
	ChunkSamples int `mapstructure:"chunk_samples"`
	// SlotBytes overrides the derived re-buffering slot size when non-zero.
	SlotBytes int `mapstructure:"slot_bytes"`
}

type OutputConfig struct {
	VideoFile string       `mapstructure:"video_file"`
	AudioFile string       `mapstructure:"audio_file"`
	Remote    RemoteConfig `mapstructure:"remote"`
}

// RemoteConfig selects a network sink. An empty Addr disables it.
type RemoteConfig struct {
	Transport string `mapstructure:"transport"`
	Addr      string `mapstructure:"addr"`
	StreamID  string `mapstructure:"stream_id"`
	// CertHash pins the QUIC receiver certificate (base64 SHA-256).
	CertHash string `mapstructure:"cert_hash"`
	Queue    int    `mapstructure:"queue"`
}

type StatusConfig struct {
	// Addr is the status API listen address. Empty disables it.
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Device: DeviceConfig{Driver: "sim"},
		Video: VideoConfig{
			Mode:        session.ModeAuto,
			PixelFormat: media.Format8BitYUV.String(),
		},
		Audio: AudioConfig{
			Channels:     2,
			BitDepth:     16,
			ChunkSamples: media.DefaultChunkSamples,
		},
		Output: OutputConfig{
			Remote: RemoteConfig{Transport: "srt", StreamID: "deckcap", Queue: 64},
		},
		Log: LogConfig{Level: "info"},
	}
}

// New returns a viper instance with every key defaulted and environment
// lookup enabled, ready for flag binding.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("device.driver", d.Device.Driver)
	v.SetDefault("device.index", d.Device.Index)
	v.SetDefault("video.mode", d.Video.Mode)
	v.SetDefault("video.pixel_format", d.Video.PixelFormat)
	v.SetDefault("video.dual_stream_3d", d.Video.DualStream3D)
	v.SetDefault("audio.channels", d.Audio.Channels)
	v.SetDefault("audio.bit_depth", d.Audio.BitDepth)
	v.SetDefault("audio.chunk_samples", d.Audio.ChunkSamples)
	v.SetDefault("audio.slot_bytes", d.Audio.SlotBytes)
	v.SetDefault("output.video_file", d.Output.VideoFile)
	v.SetDefault("output.audio_file", d.Output.AudioFile)
	v.SetDefault("output.remote.transport", d.Output.Remote.Transport)
	v.SetDefault("output.remote.addr", d.Output.Remote.Addr)
	v.SetDefault("output.remote.stream_id", d.Output.Remote.StreamID)
	v.SetDefault("output.remote.cert_hash", d.Output.Remote.CertHash)
	v.SetDefault("output.remote.queue", d.Output.Remote.Queue)
	v.SetDefault("status.addr", d.Status.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)

	v.SetEnvPrefix("DECKCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, if any, into v and returns the
// validated result. An empty path skips the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Device.Driver == "" {
		errs = append(errs, errors.New("device.driver is required"))
	}
	if c.Device.Index < 0 {
		errs = append(errs, fmt.Errorf("device.index %d is negative", c.Device.Index))
	}
	if _, err := media.ParsePixelFormat(c.Video.PixelFormat); err != nil {
		errs = append(errs, fmt.Errorf("video.pixel_format: %w", err))
	}
	if !c.audioFormat().Valid() {
		errs = append(errs, fmt.Errorf("audio: unsupported format %d channels at %d bits", c.Audio.Channels, c.Audio.BitDepth))
	}
	if c.Audio.ChunkSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_samples %d must be positive", c.Audio.ChunkSamples))
	}
	if c.Audio.SlotBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.slot_bytes %d is negative", c.Audio.SlotBytes))
	}
	if c.Output.Remote.Addr != "" {
		switch c.Output.Remote.Transport {
		case "srt", "quic":
		default:
			errs = append(errs, fmt.Errorf("output.remote.transport %q must be srt or quic", c.Output.Remote.Transport))
		}
		if c.Output.Remote.Queue <= 0 {
			errs = append(errs, fmt.Errorf("output.remote.queue %d must be positive", c.Output.Remote.Queue))
		}
	}
	if _, _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) audioFormat() media.AudioFormat {
	return media.AudioFormat{
		SampleRate: media.SampleRate48kHz,
		BitDepth:   c.Audio.BitDepth,
		Channels:   c.Audio.Channels,
	}
}

// Session converts the capture settings for the session controller. It
// assumes Validate has passed.
func (c *Config) Session() session.Config {
	pf, _ := media.ParsePixelFormat(c.Video.PixelFormat)
	return session.Config{
		DeviceIndex:  c.Device.Index,
		DisplayMode:  c.Video.Mode,
		PixelFormat:  pf,
		DualStream3D: c.Video.DualStream3D,
		Audio:        c.audioFormat(),
		ChunkSamples: c.Audio.ChunkSamples,
		SlotBytes:    c.Audio.SlotBytes,
	}
}
