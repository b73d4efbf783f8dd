package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/conduit/internal/audit"
	"github.com/haasonsaas/conduit/internal/auth"
	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/domains"
	"github.com/haasonsaas/conduit/internal/metrics"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/ratelimit"
	"github.com/haasonsaas/conduit/internal/registry"
	"github.com/haasonsaas/conduit/internal/server"
	"github.com/haasonsaas/conduit/internal/transport"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		stdio      bool
		httpOn     bool
		websocket  bool
		host       string
		httpPort   int
		wsPort     int
		rootPath   string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server on the configured transports.

Transport flags override the config file; when any transport flag is
given, only the flagged transports run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("stdio") || flags.Changed("http") || flags.Changed("websocket") {
				cfg.Server.Stdio = stdio
				cfg.Server.HTTP = httpOn
				cfg.Server.WebSocket = websocket
			}
			if flags.Changed("host") {
				cfg.Server.Host = host
			}
			if flags.Changed("http-port") {
				cfg.Server.HTTPPort = httpPort
			}
			if flags.Changed("ws-port") {
				cfg.Server.WSPort = wsPort
			}
			if flags.Changed("root-path") {
				cfg.Domains.Filesystem.RootPath = rootPath
			}
			if debug {
				cfg.Logging.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "Serve MCP over stdin/stdout")
	cmd.Flags().BoolVar(&httpOn, "http", false, "Serve MCP over HTTP (POST /rpc + SSE /events)")
	cmd.Flags().BoolVar(&websocket, "websocket", false, "Serve MCP over WebSocket")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Bind host for network transports")
	cmd.Flags().IntVar(&httpPort, "http-port", 8080, "HTTP listen port")
	cmd.Flags().IntVar(&wsPort, "ws-port", 8765, "WebSocket listen port")
	cmd.Flags().StringVar(&rootPath, "root-path", "", "Root directory for the filesystem domain")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	logger, closeLogs, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLogs()
	slog.SetDefault(logger)

	backend, err := buildBackend(cfg, logger)
	if err != nil {
		return err
	}

	trail := audit.NewTrail(logger)
	provider, err := buildAuthProvider(cfg, logger)
	if err != nil {
		return err
	}
	security := auth.NewMiddleware(provider, trail, logger)
	limiter := ratelimit.NewLimiter(cfg.RateLimit, logger)
	collector := metrics.NewCollector()

	hardened := server.NewHardened(backend, server.HardenedConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		ValidateInputs: true,
		StrictMethods:  cfg.Server.StrictMethods,
	}, limiter, security, collector, logger)

	var metricsHandler = metrics.Handler(collector)
	if !cfg.Metrics.Enabled {
		metricsHandler = nil
	}

	var transports []transport.Transport
	if cfg.Server.Stdio {
		transports = append(transports, transport.NewStdioTransport(logger))
	}
	if cfg.Server.WebSocket {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.WSPort)
		transports = append(transports, transport.NewWebSocketTransport(addr, logger))
	}
	if cfg.Server.HTTP {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
		transports = append(transports, transport.NewHTTPTransport(addr, logger, hardened, metricsHandler))
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		t := t
		t.SetHandler(hardened.HandleMessage)
		hardened.Core().RegisterNotifier(t)
		g.Go(func() error {
			if err := t.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s transport: %w", t.Name(), err)
			}
			return nil
		})
	}

	logger.Info("conduit serving",
		"server", cfg.Server.Name,
		"version", cfg.Server.Version,
		"stdio", cfg.Server.Stdio,
		"http", cfg.Server.HTTP,
		"websocket", cfg.Server.WebSocket,
		"auth", cfg.Auth.Provider)

	err = g.Wait()
	logger.Info("conduit stopped")
	return err
}

// buildBackend assembles the registry of enabled domain servers.
func buildBackend(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New(cfg.Server.Name, cfg.Server.Version, logger)

	if cfg.Domains.Filesystem.Enabled {
		fs, err := domains.NewFilesystem(cfg.Domains.Filesystem, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.RegisterServer(fs); err != nil {
			return nil, err
		}
	}
	if cfg.Domains.Terminal.Enabled {
		if err := reg.RegisterServer(domains.NewTerminal(cfg.Domains.Terminal, logger)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// buildAuthProvider maps the auth config onto a provider.
func buildAuthProvider(cfg *config.Config, logger *slog.Logger) (auth.Provider, error) {
	switch strings.ToLower(cfg.Auth.Provider) {
	case "", "none":
		return auth.NewNoAuthProvider(), nil
	case "token":
		provider := auth.NewTokenProvider()
		for token, roleName := range cfg.Auth.Tokens {
			role, err := roleByName(roleName)
			if err != nil {
				return nil, err
			}
			provider.AddToken(token, role)
		}
		return provider, nil
	case "hmac":
		provider := auth.NewHMACProvider(logger)
		for clientID, client := range cfg.Auth.Clients {
			role, err := roleByName(client.Role)
			if err != nil {
				return nil, err
			}
			provider.AddClient(clientID, client.Secret, role)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown auth provider %q", cfg.Auth.Provider)
	}
}

func roleByName(name string) (*auth.Role, error) {
	switch strings.ToLower(name) {
	case "", "user":
		return auth.RoleUser, nil
	case "readonly":
		return auth.RoleReadOnly, nil
	case "admin":
		return auth.RoleAdmin, nil
	default:
		return nil, fmt.Errorf("unknown role %q", name)
	}
}
