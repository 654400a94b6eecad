// Command server runs the frontclaw backend: it loads plugins, starts their
// sandboxes, and serves the chat API, plugin HTTP routes, and the realtime
// gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/frontclaw/backend/internal/api"
	"github.com/frontclaw/backend/internal/bridge"
	"github.com/frontclaw/backend/internal/chat"
	"github.com/frontclaw/backend/internal/config"
	"github.com/frontclaw/backend/internal/database"
	"github.com/frontclaw/backend/internal/llm"
	"github.com/frontclaw/backend/internal/memory"
	"github.com/frontclaw/backend/internal/orchestrator"
	"github.com/frontclaw/backend/internal/plugin"
	"github.com/frontclaw/backend/internal/socket"
	syscallpkg "github.com/frontclaw/backend/internal/syscall"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run() error {
	// .env is a development convenience; absence is not an error
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("FRONTCLAW_CONFIG"))
	if err != nil {
		return err
	}
	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database is optional: without it, chat history lives in memory and db
	// syscalls fail cleanly.
	var rows database.RowStore
	var convStore chat.ConversationStore = chat.NewInMemoryStore()
	if cfg.DatabaseURL != "" {
		pg, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pg.Close()
		rows = pg
		convStore = chat.NewPostgresStore(pg.DB())
		logger.Printf("database connected")
	} else {
		logger.Printf("no DATABASE_URL, running with in-memory conversation store")
	}

	mem, err := buildMemoryStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	handler := syscallpkg.NewHandler(rows, mem)

	loaded, err := plugin.LoadDir(cfg.Plugins.Dir, plugin.LoadOptions{
		ConfigOverrides: cfg.Plugins.Overrides,
		Deny:            cfg.Plugins.Deny,
	})
	if err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	logger.Printf("loaded %d plugin(s) from %s", len(loaded), cfg.Plugins.Dir)

	timeouts := bridge.WithTimeouts(
		time.Duration(cfg.Plugins.HookTimeoutMs)*time.Millisecond,
		time.Duration(cfg.Plugins.ReadyTimeoutMs)*time.Millisecond,
		time.Duration(cfg.Plugins.SyscallTimeoutMs)*time.Millisecond,
	)
	factory := func(rec *plugin.Loaded) (orchestrator.HookCaller, error) {
		transport := bridge.NewProcessTransport(
			sandboxArgv(rec.EntryPath),
			rec.Dir,
			sandboxEnv(rec.Manifest.ID),
			log.New(log.Writer(), fmt.Sprintf("[SANDBOX %s] ", rec.Manifest.ID), log.LstdFlags),
		)
		return bridge.New(rec, transport, handler, timeouts), nil
	}

	orch := orchestrator.New(loaded, factory)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orch.Stop(shutdownCtx)
	}()
	handler.SetSkillInvoker(orch)

	provider, err := llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	if err != nil {
		return fmt.Errorf("configure model provider: %w", err)
	}

	driver := chat.NewDriver(orch, provider, convStore,
		chat.WithSystemPrompt(cfg.LLM.SystemPrompt),
		chat.WithCompletionLimits(cfg.LLM.MaxTokens, cfg.LLM.Temperature),
		chat.WithHistoryLimit(cfg.Chat.HistoryLimit),
	)

	gateway := socket.NewGateway(orch, nil)
	defer gateway.Close()

	srv := api.NewServer(driver, orch, api.WithWebSocket(gateway.HandleWS))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.Port) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildMemoryStore assembles the plugin memory backend, optionally wrapped in
// the encrypted envelope when a key is configured.
func buildMemoryStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (memory.Store, error) {
	var store memory.Store
	switch cfg.Memory.Backend {
	case "redis":
		rdb, err := memory.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
		if err != nil {
			return nil, err
		}
		store = memory.NewRedisStore(rdb, "")
		logger.Printf("plugin memory backed by redis at %s", cfg.RedisAddr)
	default:
		store = memory.NewInMemoryStore()
	}

	if cfg.MemoryKey == "" {
		return store, nil
	}
	encKey, err := memory.ParseKey(cfg.MemoryKey)
	if err != nil {
		return nil, fmt.Errorf("parse FRONTCLAW_MEMORY_KEY: %w", err)
	}
	var signKey []byte
	if cfg.MemorySigningKey != "" {
		signKey, err = memory.ParseKey(cfg.MemorySigningKey)
		if err != nil {
			return nil, fmt.Errorf("parse FRONTCLAW_MEMORY_SIGNING_KEY: %w", err)
		}
	}
	secure, err := memory.NewSecureStore(store, encKey, signKey)
	if err != nil {
		return nil, err
	}
	logger.Printf("plugin memory encryption enabled")
	return secure, nil
}

// sandboxArgv picks the interpreter for a plugin entry point. Compiled
// plugins are executed directly.
func sandboxArgv(entry string) []string {
	switch strings.ToLower(filepath.Ext(entry)) {
	case ".js", ".mjs":
		return []string{"node", entry}
	case ".py":
		return []string{"python3", entry}
	default:
		return []string{entry}
	}
}

// sandboxEnv is the minimal environment handed to a sandbox. Host secrets
// are deliberately absent; everything a plugin needs arrives via INIT.
func sandboxEnv(pluginID string) []string {
	return []string{
		"FRONTCLAW_PLUGIN_ID=" + pluginID,
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
}
