package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kestrelmedia/playbuf/internal/buffer"
	"github.com/kestrelmedia/playbuf/internal/decode"
	"github.com/kestrelmedia/playbuf/internal/fetch"
	"github.com/kestrelmedia/playbuf/internal/frame"
	"github.com/kestrelmedia/playbuf/internal/httpapi"
	"github.com/kestrelmedia/playbuf/internal/observability"
	"github.com/kestrelmedia/playbuf/internal/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the buffering engine and debug server",
	Long: `Start the buffering engine against a segment delivery URL and serve
the debug API.

Without a platform decoder binding, segments pass through a null decoder:
fetching, scheduling, eviction, and health reporting all run end to end,
which is useful for delivery testing and bring-up.`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("source", "", "Segment delivery base URL to preload from")
	runCmd.Flags().Float64("start", 0, "Initial playback position in seconds")
	runCmd.Flags().String("host", "127.0.0.1", "Debug server host to bind to")
	runCmd.Flags().Int("port", 8600, "Debug server port to listen on")

	mustBindPFlag("server.host", runCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", runCmd.Flags().Lookup("port"))
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	sourceURL, _ := cmd.Flags().GetString("source")
	startSeconds, _ := cmd.Flags().GetFloat64("start")

	decoder := decode.NewNullDecoder()
	pool := frame.NewPool(cfg.Decode.FramePoolCapacity, nil, logger)
	fetcher := fetch.NewClient(fetch.Config{
		Timeout:        cfg.Fetch.Timeout,
		UserAgent:      cfg.Fetch.UserAgent,
		MaxSegmentSize: int64(cfg.Fetch.MaxSegmentSize),
	}, logger)

	engine := buffer.NewEngine(buffer.EngineOptions{
		Config:  *cfg,
		Decoder: decoder,
		Fetcher: fetcher,
		Pool:    pool,
		Logger:  logger,
	})
	engine.Start()
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("engine close failed", slog.String("error", err.Error()))
		}
	}()

	logger = observability.WithSession(logger, engine.SessionID())
	logger.Info("engine running",
		slog.String("version", version.Version),
		slog.String("source", sourceURL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if sourceURL != "" {
		start := time.Duration(startSeconds * float64(time.Second))
		engine.PreloadAroundTime(ctx, start, sourceURL)
	}

	if !viper.GetBool("server.enabled") && !cmd.Flags().Changed("port") {
		// Engine-only mode: block until a signal arrives.
		<-ctx.Done()
		return nil
	}

	probe := decode.NewProbe(decoder, nil, decode.ParsePreference(cfg.Decode.Preference), logger)
	server := httpapi.NewServer(cfg.Server, engine, probe, nil, logger)

	errChan := make(chan error, 1)
	go func() { errChan <- server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errChan:
		if err != nil {
			return err
		}
	}

	if err := server.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutting down debug server: %w", err)
	}
	return nil
}
