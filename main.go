package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mcpchat/host/archive"
	"github.com/mcpchat/host/assistant"
	"github.com/mcpchat/host/chat"
	"github.com/mcpchat/host/logger"
	"github.com/mcpchat/host/mcp"
	"github.com/mcpchat/host/middleware"
	"github.com/mcpchat/host/session"
	"github.com/mcpchat/host/settings"
	"github.com/mcpchat/host/ws"
	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"
)

var version = "dev"

type Config struct {
	Port             string `env:"PORT" envDefault:"8080"`
	AuthToken        string `env:"AUTH_TOKEN"`
	DataDir          string `env:"DATA_DIR"`
	DevMode          bool   `env:"DEV_MODE"`
	AssistantBaseURL string `env:"ASSISTANT_BASE_URL" envDefault:"https://api.anthropic.com/v1"`
}

func loadConfig() (Config, error) {
	// A missing .env file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".mcpchat")
	}
	return cfg, nil
}

func newHandler(token string, rpcHandler http.Handler, archiver *archive.Archiver) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Export downloads. Names are confined to the exports directory.
	mux.HandleFunc("GET /api/exports/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if name != filepath.Base(name) || !strings.HasSuffix(name, ".json") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		http.ServeFile(w, r, filepath.Join(archiver.Dir(), name))
	})

	mux.Handle("GET /ws", rpcHandler)

	return middleware.Auth(token, "/health", "/ws")(mux)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "mcp" {
		// stdout carries the MCP protocol, so logs always go to the file.
		logger.Init(logger.Config{DataDir: cfg.DataDir})
		if err := runMCP(cfg); err != nil {
			slog.Error("mcp server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Init(logger.Config{DataDir: cfg.DataDir, DevMode: cfg.DevMode})
	if cfg.AuthToken == "" {
		slog.Error("AUTH_TOKEN environment variable is required")
		os.Exit(1)
	}
	if err := serve(cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func runMCP(cfg Config) error {
	store, err := session.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return mcp.NewServer(store, version).Run(ctx)
}

func serve(cfg Config) error {
	store, err := session.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	settingsStore, err := settings.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	if err := settingsStore.StartWatching(); err != nil {
		slog.Warn("config file watching disabled", "error", err)
	}
	defer settingsStore.StopWatching()

	archiver := archive.New(store, cfg.DataDir)
	archiver.SetHistoryLimit(func() int { return settingsStore.Get().MaxHistory })
	chatService := chat.NewService(store, settingsStore, assistant.NewFactory(cfg.AssistantBaseURL, nil))

	rpcHandler := ws.NewRPCHandler(cfg.AuthToken, version, cfg.DevMode, ws.Backend{
		Chat:     chatService,
		Sessions: store,
		Settings: settingsStore,
		Archive:  archiver,
	})
	defer rpcHandler.Stop()

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newHandler(cfg.AuthToken, rpcHandler, archiver),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port, "dataDir", cfg.DataDir, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	printConnectHint(cfg)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// printConnectHint shows the WebSocket URL as a QR code when attached to a
// terminal, so a client on the local network can scan it.
func printConnectHint(cfg Config) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}

	url := fmt.Sprintf("ws://%s:%s/ws", localIP(), cfg.Port)
	fmt.Printf("\nConnect a client to %s\n\n", url)
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
