package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"archer-volume.klederson.com/internal/app"
	"archer-volume.klederson.com/internal/bluetooth"
	"archer-volume.klederson.com/internal/config"
	"archer-volume.klederson.com/internal/control"
	"archer-volume.klederson.com/internal/feed"
	"archer-volume.klederson.com/internal/logger"
	"archer-volume.klederson.com/internal/rssi"
	"archer-volume.klederson.com/internal/volume"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var flagConfig string

func main() {
	rootCmd := &cobra.Command{
		Use:   "archer-volume",
		Short: "Archer Volume - speaker volume that follows you down the range",
		Long: `Archer Volume connects to a Bluetooth speaker placed at the target and
adjusts its volume from the signal strength: loud while you are at the
shooting line, quieter as you walk up to collect your arrows.

Requires sudo or CAP_NET_ADMIN capability for real Bluetooth access.
Use --demo flag for demonstration mode without Bluetooth hardware.`,
		SilenceUsage: true,
		RunE:         run,
	}

	f := rootCmd.Flags()
	f.StringVar(&flagConfig, "config", "", "Config file (default ./archer-volume.yaml or ~/.config/archer-volume/)")
	f.Bool("demo", false, "Run in demo mode with simulated speakers (no Bluetooth required)")
	f.String("adapter", "hci0", "Bluetooth adapter to use")
	f.String("sink", config.SinkDevice, "Volume output: device (speaker volume control) or system (host audio)")
	f.String("device", "", "Only connect to a speaker whose name contains this text or whose address matches")
	f.String("feed", "", "Serve a websocket status feed on this address, e.g. :8080")
	f.String("log-level", "info", "Log level: debug, info, warn, error")
	f.String("log-file", "archer-volume.log", "Log file (empty logs to stderr)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(flagConfig, cmd.Flags())
	if err != nil {
		return err
	}

	log, err := logger.New(settings.Log.Level, settings.Log.File)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	var (
		platform bluetooth.Platform
		source   rssi.Source
	)
	if settings.Demo {
		platform = bluetooth.NewMock()
		source = rssi.NewSimulated()
	} else {
		platform = bluetooth.NewAdapter(settings.Adapter, log)
		source = rssi.Live(platform)
	}

	if settings.Sink == config.SinkSystem && !volume.SystemSinkAvailable() {
		return fmt.Errorf("sink %q needs pactl, which was not found in PATH", config.SinkSystem)
	}
	sink, err := volume.NewSink(settings.Sink, platform)
	if err != nil {
		return err
	}

	rng, err := volume.NewRange(settings.Volume.Min, settings.Volume.Max)
	if err != nil {
		return err
	}

	ctrl, err := control.New(control.Options{
		Platform:       platform,
		Source:         source,
		Sink:           sink,
		Log:            log,
		Range:          rng,
		AutoMode:       settings.AutoMode,
		TargetDistance: settings.TargetDistance,
		InitialVolume:  settings.Volume.Initial,
		DeviceFilter:   settings.Device,
		SampleInterval: settings.SampleInterval,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("starting",
		"version", config.AppVersion,
		"demo", settings.Demo,
		"adapter", settings.Adapter,
		"sink", sink.Name(),
		"range", rng.String(),
	)

	if settings.Feed != "" {
		srv := feed.NewServer(ctrl, log)
		go func() {
			if err := srv.Run(ctx, settings.Feed); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("feed server stopped", "err", err)
			}
		}()
	}

	model := app.New(ctx, ctrl)
	p := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithContext(ctx),
		tea.WithFPS(30),
	)
	detach := model.Attach(p)
	defer detach()

	_, runErr := p.Run()
	if errors.Is(runErr, tea.ErrProgramKilled) && ctx.Err() != nil {
		runErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Close(closeCtx); err != nil {
		log.Warnw("shutdown", "err", err)
	}
	log.Infow("stopped")
	return runErr
}
