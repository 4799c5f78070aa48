package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/karthikraju391/go-nats-chat-console/cable"
	"github.com/karthikraju391/go-nats-chat-console/chatcore"
	"github.com/karthikraju391/go-nats-chat-console/config"
	"github.com/karthikraju391/go-nats-chat-console/console"
	"github.com/karthikraju391/go-nats-chat-console/handlers"
	"github.com/karthikraju391/go-nats-chat-console/logger"
	"github.com/karthikraju391/go-nats-chat-console/models"
	"github.com/karthikraju391/go-nats-chat-console/nats_service"
	"github.com/karthikraju391/go-nats-chat-console/restapi"
	"github.com/karthikraju391/go-nats-chat-console/transport"
	"github.com/karthikraju391/go-nats-chat-console/transport/memory"
)

// stack is the process-wide collaborators shared by every view.
type stack struct {
	cfg       *config.Config
	transport transport.Transport
	publish   handlers.PublishFunc
	backend   *restapi.Client
}

func (s *stack) Close() {
	s.transport.Close()
}

func (s *stack) limiter() *rate.Limiter {
	if s.cfg.SendRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.cfg.SendRate), max(s.cfg.SendBurst, 1))
}

func (s *stack) me() models.User {
	return models.User{ID: s.cfg.UserID, Name: s.cfg.UserName}
}

func newStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	backend, err := restapi.NewClient(cfg.APIBaseURL, cfg.APIToken, restapi.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg, backend: backend}

	switch cfg.Transport {
	case config.TransportNATS:
		natsSvc, err := nats_service.NewNatsService(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.transport = natsSvc
		s.publish = natsSvc.PublishMessage
	case config.TransportCable:
		header := http.Header{}
		if cfg.APIToken != "" {
			header.Set("Authorization", "Bearer "+cfg.APIToken)
		}
		conn, err := cable.Dial(ctx, cfg.CableURL, cable.Options{Header: header, Reconnect: true})
		if err != nil {
			return nil, err
		}
		s.transport = conn
	case config.TransportMemory:
		broker := memory.NewBroker()
		s.transport = broker
		s.publish = func(_ context.Context, msg models.Message) error {
			_, err := broker.PublishMessage(msg)
			return err
		}
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	logger.Info("transport_ready", "transport", cfg.Transport)
	return s, nil
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "chat",
		Short:         "Realtime conversation views over NATS or ActionCable",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")

	cmd.AddCommand(
		newServeCommand(&configPath),
		newConsoleCommand(&configPath),
	)
	return cmd
}

func newServeCommand(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve conversation views to browsers over websockets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ServerAddr = addr
			}
			logger.Init(cfg.LogLevel)
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server_addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	s, err := newStack(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize transport: %w", err)
	}
	defer s.Close()

	// --- Initialize Fiber App ---
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(fiberlogger.New())

	gw := &handlers.Gateway{
		Transport:   s.transport,
		Backend:     s.backend,
		DefaultUser: s.me(),
		NewLimiter:  s.limiter,
	}
	gw.Mount(app, "/chat")
	app.Get("/healthz", handlers.Healthz)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	if s.publish != nil {
		app.Post("/api/v1/push", handlers.Relay(s.publish))
	}

	// --- Start Server ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_starting", "addr", cfg.ServerAddr)
		errCh <- app.Listen(cfg.ServerAddr)
	}()

	// --- Graceful Shutdown ---
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("server_shutting_down")
	if err := app.Shutdown(); err != nil {
		logger.Error("fiber_shutdown_failed", "error", err)
	}
	logger.Info("server_stopped")
	return nil
}

func newConsoleCommand(configPath *string) *cobra.Command {
	var logFile string

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Open conversation views in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			var sink io.Writer = io.Discard
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return err
				}
				defer f.Close()
				sink = f
			}
			logger.InitWriter(sink, cfg.LogLevel)

			s, err := newStack(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize transport: %w", err)
			}
			defer s.Close()

			view := chatcore.NewView(s.transport, s.backend, chatcore.ViewOptions{Me: s.me(), SendLimiter: s.limiter()})
			defer view.Close()
			return console.Run(cmd.Context(), view)
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of discarding them")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
