package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zsiec/deckcap/internal/config"
	"github.com/zsiec/deckcap/internal/logging"

	_ "github.com/zsiec/deckcap/internal/device/sim"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// v holds defaults, environment and bound flags for every command.
var v = config.New()

var rootCmd = &cobra.Command{
	Use:           "deckcap",
	Short:         "Capture video and fixed-size audio chunks from a capture card",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deckcap %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, runCmd, devicesCmd, receiveCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file path (YAML)")
	pf.String("log-level", "info", "log level: none, error, warn, info, debug")
	pf.String("log-file", "", "write JSON logs to this file instead of stderr")
	pf.String("driver", "sim", "capture driver")
	bindFlags(pf, map[string]string{
		"log.level":     "log-level",
		"log.file":      "log-file",
		"device.driver": "driver",
	})
}

// bindFlags binds config keys to flag names.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the default logger. The
// returned function closes the log file.
func setup(cmd *cobra.Command) (*config.Config, func(), error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	closer, err := logging.Configure(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	slog.Debug("configuration loaded", "file", path, "driver", cfg.Device.Driver)
	return cfg, func() { closer.Close() }, nil
}

// signalContext cancels on SIGINT or SIGTERM and calls onHangup for each
// SIGHUP.
func signalContext(onHangup func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if sig == syscall.SIGHUP && onHangup != nil {
					slog.Info("received SIGHUP, restarting capture")
					onHangup()
					continue
				}
				slog.Info("received signal, shutting down", "signal", sig)
				cancel()
				return
			}
		}
	}()
	return ctx, cancel
}
