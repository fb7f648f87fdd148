package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/brightlamp-ai/brightlamp/cmd/brightlamp/internal/config"
	"github.com/brightlamp-ai/brightlamp/pkg/archive"
	"github.com/brightlamp-ai/brightlamp/pkg/conv"
	"github.com/brightlamp-ai/brightlamp/pkg/kv"
	"github.com/brightlamp-ai/brightlamp/pkg/llm"
	"github.com/brightlamp-ai/brightlamp/pkg/speech"
	"github.com/brightlamp-ai/brightlamp/pkg/volcspeech"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the realtime conversation server",
	Long: `Run the websocket conversation server.

Provider credentials come from the config file or environment:
  BRIGHTLAMP_TOKEN_SECRET, VOLC_APP_ID, VOLC_ACCESS_KEY, ARK_API_KEY

Examples:
  brightlamp serve --config config.yaml
  brightlamp serve --listen :9000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	logger := slog.Default()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.Listen = flagListen
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	db, err := openKV(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	store := &conv.Store{KV: db}

	speechClient := volcspeech.NewClient(cfg.Volcano.AppID, cfg.Volcano.AccessKey)
	providers := conv.Providers{
		Transcriber: &speech.VolcanoTranscriber{Client: speechClient},
		Synthesizer: &speech.VolcanoSynthesizer{
			Client:      speechClient,
			Speaker:     cfg.Volcano.Speaker,
			SpeedRatio:  cfg.Volcano.SpeedRatio,
			VolumeRatio: cfg.Volcano.VolumeRatio,
		},
		LLM: &llm.Ark{
			Client: llm.NewArkClient(cfg.Ark.APIKey, cfg.Ark.BaseURL),
			Model:  cfg.Ark.Model,
		},
	}

	idle, listening, stable, grace, echo := cfg.Session.SessionDurations()
	sessCfg := conv.Config{
		IdleTimeout:      idle,
		ListeningTimeout: listening,
		PartialStable:    stable,
		FinalGrace:       grace,
		EchoWindow:       echo,
	}

	handler := conv.NewHandler(store, conv.NewRegistry(), providers, sessCfg, []byte(cfg.TokenSecret), logger)
	mux := http.NewServeMux()
	mux.Handle("GET "+conv.WSPattern, handler)

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("Server listening", "addr", cfg.Listen, "endpoint", conv.WSPattern)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	<-ctx.Done()
	return nil
}

// openKV opens the shared session store: BadgerDB on disk when data_dir
// is set, in memory otherwise.
func openKV(cfg *config.Config) (kv.Store, error) {
	if cfg.DataDir == "" {
		return kv.NewBadger(kv.BadgerOptions{InMemory: true})
	}
	return kv.NewBadger(kv.BadgerOptions{Dir: cfg.DataDir})
}

// newArchiver builds the transcript destination from config. Returns
// nil when archiving is not configured.
func newArchiver(cfg *config.Config) (archive.Archiver, error) {
	switch {
	case cfg.Archive.S3Bucket != "":
		client := s3.New(s3.Options{
			Region: cfg.Archive.S3Region,
			BaseEndpoint: func() *string {
				if cfg.Archive.S3Endpoint == "" {
					return nil
				}
				return aws.String(cfg.Archive.S3Endpoint)
			}(),
			Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
					SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
				}, nil
			}),
		})
		return archive.NewS3(client, cfg.Archive.S3Bucket, cfg.Archive.S3Prefix), nil
	case cfg.Archive.Dir != "":
		return archive.NewDir(cfg.Archive.Dir)
	default:
		return nil, nil
	}
}
