// ABOUTME: Entry point for the wagate session gateway server
// ABOUTME: Wires storage, engines, webhook delivery, and the HTTP surface together

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/sendnotif/wagate/internal/authstate"
	"github.com/sendnotif/wagate/internal/config"
	"github.com/sendnotif/wagate/internal/engine"
	"github.com/sendnotif/wagate/internal/engine/multidevice"
	"github.com/sendnotif/wagate/internal/event"
	"github.com/sendnotif/wagate/internal/gateway"
	"github.com/sendnotif/wagate/internal/httpapi"
	"github.com/sendnotif/wagate/internal/registry"
	"github.com/sendnotif/wagate/internal/session"
	"github.com/sendnotif/wagate/internal/store"
	"github.com/sendnotif/wagate/internal/webhook"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
__      ____ _  __ _  __ _| |_ ___
\ \ /\ / / _' |/ _' |/ _' | __/ _ \
 \ V  V / (_| | (_| | (_| | ||  __/
  \_/\_/ \__,_|\__, |\__,_|\__\___|
               |___/
`

// getConfigPath returns the path to the wagate config file.
// Priority: WAGATE_CONFIG env var > XDG_CONFIG_HOME/wagate/config.yaml > ~/.config/wagate/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WAGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "wagate.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "wagate", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: wagate <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the gateway server")
		fmt.Println("  health    Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	// .env is optional; real deployments configure through the YAML file
	_ = godotenv.Load()

	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Broker:  %s\n", cfg.Engine.BrokerURL)
	if cfg.Redis.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Redis:   %s\n", cfg.Redis.Addr)
	}
	fmt.Println()

	logger.Info("starting wagate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	// Storage
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	// Redis backs the durable webhook queue and the distributed session
	// lock. Without it the gateway still runs, single-node only.
	var (
		queue  webhook.Queue
		locker authstate.Locker
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable, falling back to in-memory queue and local locks",
				"addr", cfg.Redis.Addr, "error", err)
		} else {
			queue = webhook.NewRedisQueue(client)
			locker = authstate.NewRedisLocker(client, logger)
		}
	}
	if queue == nil {
		logger.Info("using in-memory webhook queue and process-local session locks")
		queue = webhook.NewMemoryQueue()
	}

	bus := event.NewBus(logger)
	reg := registry.New(logger)
	locks := authstate.NewSessionLocks(locker, logger)

	notifier := webhook.NewNotifier(queue, webhook.NotifierConfig{
		AdminURL:    cfg.Webhook.AdminURL,
		AdminSecret: cfg.Webhook.AdminSecret,
	}, logger)

	worker := webhook.NewWorker(queue, webhook.WorkerConfig{
		BatchSize:      cfg.Webhook.BatchSize,
		PollInterval:   cfg.Webhook.PollInterval,
		MaxRetries:     cfg.Webhook.MaxRetries,
		RequestTimeout: cfg.Webhook.RequestTimeout,
	}, logger)
	go worker.Run(ctx)

	// Engines
	transport := multidevice.NewWSTransport(multidevice.WSTransportConfig{
		URL: cfg.Engine.BrokerURL,
	}, logger)
	md := multidevice.New(db, reg, bus, notifier, locks, transport, multidevice.Config{
		QRTimeout:      cfg.Engine.QRTimeout,
		MaxQRAttempts:  cfg.Engine.MaxQRAttempts,
		ReconnectDelay: cfg.Engine.ReconnectDelay,
		MaxReconnects:  cfg.Engine.MaxReconnects,
	}, logger)

	manager := engine.NewManager()
	if err := manager.Register(md); err != nil {
		return fmt.Errorf("registering engine: %w", err)
	}

	// Orchestrator and surfaces
	svc := session.NewService(db, manager, reg, bus, notifier, locks, session.Config{
		StartupGrace: cfg.Recovery.StartupGrace,
		StaggerMin:   cfg.Recovery.StaggerMin,
		StaggerMax:   cfg.Recovery.StaggerMax,
	}, logger)

	hub := gateway.NewHub(svc, bus, cfg.Gateway.PingInterval, logger)
	go hub.Run(ctx)
	go svc.RecoverOnStartup(ctx)

	api := httpapi.New(svc, hub, httpapi.Config{APIKey: cfg.Auth.APIKey}, logger)
	server := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
