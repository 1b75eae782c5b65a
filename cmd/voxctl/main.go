// Command voxctl runs the voice command orchestrator: the HTTP gateway
// (§6), the Connection Manager's health tickers, and the Conversation
// Store's idle sweep.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvynix/voxctl/internal/activity"
	"github.com/corvynix/voxctl/internal/adapter"
	"github.com/corvynix/voxctl/internal/adapter/local"
	"github.com/corvynix/voxctl/internal/adapter/remote"
	"github.com/corvynix/voxctl/internal/config"
	"github.com/corvynix/voxctl/internal/connmgr"
	"github.com/corvynix/voxctl/internal/convo"
	"github.com/corvynix/voxctl/internal/executor"
	"github.com/corvynix/voxctl/internal/gateway"
	"github.com/corvynix/voxctl/internal/orchestrator"
	"github.com/corvynix/voxctl/internal/planner"
	"github.com/corvynix/voxctl/internal/risk"
	"github.com/corvynix/voxctl/internal/tokenstore"
	"github.com/corvynix/voxctl/pkg/models"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "voxctl",
		Short: "voxctl runs the voice command orchestrator",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "voxctl.yaml", "path to the configuration file")
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildDoctorCmd())
	root.AddCommand(buildConfigCmd())
	return root
}

func buildConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "inspect voxctl's configuration format",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "print the JSON Schema for voxctl.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return fmt.Errorf("generate config schema: %w", err)
			}
			fmt.Println(string(schema))
			return nil
		},
	})
	return configCmd
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP gateway and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func buildDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "validate configuration and probe every configured remote provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context())
		},
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// runtime bundles every long-lived collaborator wired at startup, mirroring
// the process-wide state §5 describes: "the Connection Manager, Tool
// Registry, LLM client, and background tickers".
type runtime struct {
	cfg         *config.Config
	logger      *slog.Logger
	connMgr     *connmgr.Manager
	convoStore  *convo.Store
	facade      *orchestrator.Facade
	activityLog *activity.Log
}

// localBackends is the registration point for in-process provider
// implementations. The spec explicitly fixes their contract (internal/adapter/local.Backend)
// but treats the implementations themselves as out of scope ("the
// individual adapter implementations for calendar/chat/etc."); none ship
// here, so a provider configured with transport "local" fails fast with a
// clear error until a deployment registers one.
var localBackends = map[string]local.Backend{}

func buildRuntime(cfg *config.Config) *runtime {
	logger := newLogger(cfg.Logging)
	activityLog := activity.New()

	// The Token Store is an external system per spec §"Explicitly OUT of
	// scope" ("we assume a key/value table of decrypted per-user,
	// per-provider access tokens"); MemoryStore stands in for it here.
	tokens := tokenstore.NewMemoryStore(nil)

	dialers := make(map[string]connmgr.Dialer, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		pc := pc
		switch pc.Transport {
		case "remote":
			dialers[name] = func(ctx context.Context, userID, provider string) (adapter.Adapter, models.TransportKind, error) {
				a, err := remote.New(ctx, userID, provider, tokens, remote.Config{
					Endpoint: pc.Endpoint,
					Client:   http.DefaultClient,
				})
				return a, models.TransportRemote, err
			}
		case "local":
			dialers[name] = func(ctx context.Context, userID, provider string) (adapter.Adapter, models.TransportKind, error) {
				backend, ok := localBackends[provider]
				if !ok {
					return nil, models.TransportLocal, fmt.Errorf("%w: no local backend registered for provider %s", adapter.ErrBadArgument, provider)
				}
				a, err := local.New(ctx, userID, provider, tokens, backend)
				return a, models.TransportLocal, err
			}
		}
	}

	connMgr := connmgr.New(dialers,
		connmgr.WithHealthInterval(cfg.PingInterval()),
		connmgr.WithLogger(logger),
		connmgr.WithStatusListener(activityLog.RecordConnection),
		connmgr.WithMaxReconnectAttempts(cfg.Connection.MaxReconnectAttempts),
		connmgr.WithReconnectBackoff(cfg.ReconnectBackoff()),
	)

	convoOpts := []convo.Option{
		convo.WithLogger(logger),
		convo.WithSessionListener(activityLog.RecordSession),
		convo.WithIdleTimeout(cfg.IdleTimeout()),
	}
	if cfg.Session.PostgresDSN != "" {
		if repo, err := convo.NewPostgresRepositoryFromDSN(cfg.Session.PostgresDSN); err != nil {
			logger.Warn("durable session repository unavailable, continuing in-memory only", "error", err)
		} else {
			convoOpts = append(convoOpts, convo.WithRepository(repo))
		}
	}
	convoStore := convo.New(convoOpts...)

	plnr := planner.New(planner.NewClient(cfg.LLM.APIKey, cfg.LLM.Model))
	confirmations := risk.NewConfirmationStore()
	exec := executor.New(connMgr, confirmations)
	facade := orchestrator.New(convoStore, connMgr, plnr, exec, confirmations, logger)

	return &runtime{
		cfg:         cfg,
		logger:      logger,
		connMgr:     connMgr,
		convoStore:  convoStore,
		facade:      facade,
		activityLog: activityLog,
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt := buildRuntime(cfg)
	defer rt.convoStore.Stop()
	defer rt.connMgr.Shutdown()

	srv := gateway.New(rt.facade, rt.activityLog, gateway.Config{
		Host:        cfg.Server.Host,
		HTTPPort:    cfg.Server.HTTPPort,
		MetricsPort: cfg.Server.MetricsPort,
	}, rt.logger)

	serveCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(serveCtx); err != nil {
		return err
	}
	rt.logger.Info("voxctl serve started", "http_port", cfg.Server.HTTPPort)

	<-serveCtx.Done()
	rt.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	return nil
}

// runDoctor validates configuration and, for every remote provider, dials
// and initializes an adapter to confirm the endpoint and stored token are
// reachable, printing a one-line status per provider.
func runDoctor(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: FAIL: %v\n", err)
		return err
	}
	fmt.Println("config: OK")

	if len(cfg.Providers) == 0 {
		fmt.Println("providers: none configured")
		return nil
	}

	tokens := tokenstore.NewMemoryStore(nil)
	failed := false

	for name, pc := range cfg.Providers {
		switch pc.Transport {
		case "remote":
			dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a, err := remote.New(dialCtx, "doctor", name, tokens, remote.Config{
				Endpoint: pc.Endpoint,
				Client:   http.DefaultClient,
			})
			cancel()
			if err != nil {
				fmt.Printf("provider %s (remote %s): FAIL: %v\n", name, pc.Endpoint, err)
				failed = true
				continue
			}
			_ = a.Close()
			fmt.Printf("provider %s (remote %s): OK\n", name, pc.Endpoint)
		case "local":
			if _, ok := localBackends[name]; !ok {
				fmt.Printf("provider %s (local): FAIL: no backend registered\n", name)
				failed = true
				continue
			}
			fmt.Printf("provider %s (local): OK\n", name)
		default:
			fmt.Printf("provider %s: FAIL: unknown transport %q\n", name, pc.Transport)
			failed = true
		}
	}

	if failed {
		return fmt.Errorf("doctor: one or more providers failed")
	}
	return nil
}
