package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/deliveryhero/asya/asya-upscaler/internal/api"
	"github.com/deliveryhero/asya/asya-upscaler/internal/config"
	"github.com/deliveryhero/asya/asya-upscaler/internal/history"
	"github.com/deliveryhero/asya/asya-upscaler/internal/imaging"
	"github.com/deliveryhero/asya/asya-upscaler/internal/intake"
	"github.com/deliveryhero/asya/asya-upscaler/internal/jobs"
	"github.com/deliveryhero/asya/asya-upscaler/internal/mcp"
	"github.com/deliveryhero/asya/asya-upscaler/internal/metrics"
	"github.com/deliveryhero/asya/asya-upscaler/internal/progress"
	"github.com/deliveryhero/asya/asya-upscaler/internal/queue"
	"github.com/deliveryhero/asya/asya-upscaler/internal/stream"
	"github.com/deliveryhero/asya/asya-upscaler/internal/upscale"
)

func main() {
	// Set up structured logging with level control
	logLevel := getEnv("ASYA_LOG_LEVEL", "INFO")
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Asya Upscaler", "port", cfg.Port, "logLevel", logLevel, "events", cfg.EventsTransport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.NewMetrics(cfg.MetricsNamespace)
		go func() {
			if err := m.StartMetricsServer(ctx, cfg.MetricsAddr); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		slog.Info("Metrics enabled", "addr", cfg.MetricsAddr, "namespace", cfg.MetricsNamespace)
	}

	store := jobs.NewStore()
	defer store.Close()

	var rabbit *queue.RabbitMQClient
	if cfg.NeedsRabbitMQ() {
		slog.Info("RabbitMQ configuration", "exchange", cfg.RabbitMQExchange, "poolSize", cfg.RabbitMQPoolSize)
		rabbit, err = queue.NewRabbitMQClient(cfg.RabbitMQURL, cfg.RabbitMQExchange, cfg.RabbitMQPoolSize)
		if err != nil {
			slog.Error("Failed to create RabbitMQ client", "error", err)
			os.Exit(1)
		}
		defer rabbit.Close()
	}

	sinks, err := eventSinks(ctx, cfg, rabbit)
	if err != nil {
		slog.Error("Failed to set up stage event sink", "error", err)
		os.Exit(1)
	}

	models, err := imaging.NewModels(modelSpecs(cfg.Catalog), cfg.Catalog.DefaultScale, imaging.LoadResampler, m)
	if err != nil {
		slog.Error("Invalid model catalog", "error", err)
		os.Exit(1)
	}
	if err := models.Warm(ctx); err != nil {
		slog.Warn("Model warm-up failed, models will load on first use", "error", err)
	}
	slog.Info("Model catalog ready", "supported", models.Supported(), "loaded", models.Loaded(), "default", models.DefaultScale())

	collab := upscale.Collaborators{
		Validator: imaging.NewValidator(cfg.Catalog.AllowedTypes...),
		Decoder:   imaging.NewDecoder(),
		Models:    models,
		Encoder:   imaging.NewPNGEncoder(png.DefaultCompression),
	}

	var recorder *history.PgRecorder
	if cfg.DatabaseURL != "" {
		slog.Info("Using PostgreSQL outcome history")
		recorder, err = history.NewPgRecorder(ctx, cfg.DatabaseURL, cfg.HistoryRetention)
		if err != nil {
			slog.Error("Failed to create PostgreSQL recorder", "error", err)
			os.Exit(1)
		}
		defer recorder.Close()
		collab.History = recorder
	}

	service := upscale.NewService(jobs.NewMachine(store, m, sinks...), collab, upscale.Config{
		StagePause:      cfg.StagePause,
		Retention:       cfg.JobRetention,
		MaxOutputPixels: cfg.MaxOutputPixels,
	}, m)

	streamer := stream.NewStreamer(store, stream.Options{
		GraceTimeout:  cfg.GraceTimeout,
		GraceInterval: cfg.GraceInterval,
		PollInterval:  cfg.PollInterval,
	}, m)

	handler := api.NewHandler(service, store, streamer, cfg.MaxUploadBytes)
	if recorder != nil {
		handler.SetHistory(recorder)
	}

	mux := http.NewServeMux()
	handler.Register(mux)

	if cfg.MCPEnabled {
		mcpServer := mcp.NewServer(service, store, api.Version)
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(mcpServer.GetMCPServer()))
		mux.HandleFunc("/tools/call", mcpServer.HandleToolCall)
	}

	intakeDone := make(chan struct{})
	if cfg.IntakeQueue != "" {
		for _, q := range []string{cfg.IntakeQueue, cfg.ResultQueue} {
			if q == "" {
				continue
			}
			if err := rabbit.DeclareQueue(ctx, q); err != nil {
				slog.Error("Failed to declare queue", "queue", q, "error", err)
				os.Exit(1)
			}
		}
		consumer := intake.NewConsumer(rabbit, service, cfg.IntakeQueue, cfg.ResultQueue)
		go func() {
			defer close(intakeDone)
			consumer.Run(ctx)
		}()
	} else {
		close(intakeDone)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           api.WithCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
		// Progress streams end with the process context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		slog.Info("Server listening", "addr", server.Addr)
		slog.Info("Upscale: POST /upscale (multipart: file, scale, job_id)")
		slog.Info("Progress stream: GET /progress/{job_id} (SSE)")
		slog.Info("Job status: GET /jobs/{job_id}")
		if cfg.MCPEnabled {
			slog.Info("MCP endpoint: POST /mcp, REST tool endpoint: POST /tools/call")
		}

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			cancel()
		}
	}()

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, initiating shutdown", "signal", sig)
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	<-intakeDone
	slog.Info("Upscaler shutdown complete")
}

// eventSinks builds the stage-event fan-out for the configured transport
func eventSinks(ctx context.Context, cfg *config.Config, rabbit *queue.RabbitMQClient) ([]jobs.EventSink, error) {
	switch cfg.EventsTransport {
	case config.EventsTransportRabbitMQ:
		return []jobs.EventSink{queue.NewEventPublisher(rabbit)}, nil
	case config.EventsTransportSQS:
		publisher, err := queue.NewSQSPublisher(ctx, cfg.SQSQueueURL, cfg.SQSRegion, cfg.SQSEndpoint)
		if err != nil {
			return nil, err
		}
		return []jobs.EventSink{publisher}, nil
	case config.EventsTransportWebhook:
		return []jobs.EventSink{progress.NewReporter(cfg.WebhookURL, "asya-upscaler")}, nil
	default:
		return nil, nil
	}
}

func modelSpecs(c config.Catalog) []imaging.ModelSpec {
	specs := make([]imaging.ModelSpec, 0, len(c.Models))
	for _, mc := range c.Models {
		specs = append(specs, imaging.ModelSpec{Scale: mc.Scale, Kernel: mc.Kernel, Warm: mc.Warm})
	}
	return specs
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
