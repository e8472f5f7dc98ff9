// Majordomo is a conversational agent server.
//
// It runs multi-turn conversations against an LLM with local and
// remote tools, schedules deferred and recurring tasks, and pushes
// real-time progress to connected UIs over WebSocket. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	majordomo serve              Start the API server
//	majordomo ask <question>     Ask a single question (for testing)
//	majordomo ingest <file.md>   Index a markdown document for retrieval
//	majordomo version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"majordomo/internal/bridge"
	"majordomo/internal/buildinfo"
	"majordomo/internal/config"
	"majordomo/internal/fetch"
	"majordomo/internal/geo"
	"majordomo/internal/hub"
	"majordomo/internal/llm"
	"majordomo/internal/memory"
	"majordomo/internal/notify"
	"majordomo/internal/orchestrator"
	"majordomo/internal/retrieval"
	"majordomo/internal/scheduler"
	"majordomo/internal/server"
	"majordomo/internal/tools"
	"majordomo/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run concurrently from tests, and the argument surface here
// is small.
func run(ctx context.Context, stdout io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: majordomo ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: majordomo ingest <file.md>")
		}
		return runIngest(ctx, stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Majordomo - Conversational Agent Server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: majordomo [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  ingest       Index a markdown document for retrieval")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	return nil
}

func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(buildinfo.Info())
}

// runAsk boots a minimal orchestrator (no scheduler, no persistence,
// no bridge) and processes a single question.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	apiKey := cfg.Anthropic.ResolveAPIKey()
	if apiKey == "" {
		return fmt.Errorf("no API key configured (set anthropic.api_key or ANTHROPIC_API_KEY)")
	}
	client := llm.NewAnthropicClient(apiKey, logger)

	geoResolver, err := geo.NewResolver(cfg.Geo.CacheSize)
	if err != nil {
		return fmt.Errorf("create geo resolver: %w", err)
	}

	registry := tools.NewRegistry(logger, tools.Deps{
		Geo:     geoResolver,
		Fetcher: fetch.New(),
	})

	orch := orchestrator.New(orchestrator.Config{
		Logger:   logger,
		Client:   client,
		Registry: registry,
	})

	reply, err := orch.Converse(ctx, strings.Join(args, " "), nil, nil, "cli", chatOptions(cfg))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, reply.Text)
	return nil
}

// runIngest chunks a markdown file and indexes it into the retrieval
// store under a file: source, replacing any prior index of that file.
func runIngest(ctx context.Context, stdout io.Writer, configPath string, filePath string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Retrieval.Enabled {
		return fmt.Errorf("retrieval is not enabled in config")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	embedder := retrieval.NewEmbedder(cfg.Retrieval.OllamaURL, cfg.Retrieval.Model)
	store, err := retrieval.NewStore(logger, cfg.DataDir, embedder.Func())
	if err != nil {
		return fmt.Errorf("open retrieval store: %w", err)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", filePath, err)
	}

	source := "file:" + filepath.Base(filePath)
	count, err := store.IndexMarkdown(ctx, source, string(data))
	if err != nil {
		return fmt.Errorf("index %s: %w", filePath, err)
	}

	fmt.Fprintf(stdout, "Indexed %d chunks from %s\n", count, filePath)
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// databases, wires the orchestrator, scheduler, bridge, and hub
// together, starts the API server, and blocks until a shutdown signal
// arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Majordomo", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"addr", cfg.Listen.Addr(),
		"model", cfg.Model.Name,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Persistence ---
	memStore, err := memory.NewStore(filepath.Join(cfg.DataDir, "majordomo.db"))
	if err != nil {
		return fmt.Errorf("open memory database: %w", err)
	}
	defer memStore.Close()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage database: %w", err)
	}
	defer usageStore.Close()

	schedStore, err := scheduler.NewStore(filepath.Join(cfg.DataDir, "tasks.db"))
	if err != nil {
		return fmt.Errorf("open scheduler database: %w", err)
	}
	defer schedStore.Close()

	// --- LLM client ---
	apiKey := cfg.Anthropic.ResolveAPIKey()
	if apiKey == "" {
		return fmt.Errorf("no API key configured (set anthropic.api_key or ANTHROPIC_API_KEY)")
	}
	client := llm.NewAnthropicClient(apiKey, logger)

	// --- Event hub and remote-agent bridge ---
	eventHub := hub.New(logger)
	agentBridge := bridge.New(logger, cfg.Bridge.PingInterval, cfg.Bridge.DefaultTimeout)

	// --- Retrieval (optional) ---
	var retrievalStore *retrieval.Store
	if cfg.Retrieval.Enabled {
		embedder := retrieval.NewEmbedder(cfg.Retrieval.OllamaURL, cfg.Retrieval.Model)
		retrievalStore, err = retrieval.NewStore(logger, cfg.DataDir, embedder.Func())
		if err != nil {
			return fmt.Errorf("open retrieval store: %w", err)
		}
		logger.Info("retrieval enabled", "model", cfg.Retrieval.Model, "top_k", cfg.Retrieval.TopK)
	}

	// --- Geolocation ---
	geoResolver, err := geo.NewResolver(cfg.Geo.CacheSize)
	if err != nil {
		return fmt.Errorf("create geo resolver: %w", err)
	}

	// --- Scheduler ---
	// The executor's orchestrator and registry references are filled in
	// below; the scheduler does not fire tasks until Run starts.
	exec := &taskExec{
		logger:  logger,
		hub:     eventHub,
		client:  client,
		history: memStore,
	}
	sched := scheduler.New(logger, schedStore, exec, cfg.Scheduler.PollInterval)

	// --- Tools ---
	deps := tools.Deps{
		Scheduler: sched,
		Notes:     memStore,
		Geo:       geoResolver,
		Fetcher:   fetch.New(),
	}
	if retrievalStore != nil {
		deps.Retriever = retrievalStore
	}
	registry := tools.NewRegistry(logger, deps)
	logger.Info("tools registered", "tools", registry.Names())

	// --- Orchestrator ---
	orchCfg := orchestrator.Config{
		Logger:           logger,
		Client:           client,
		Registry:         registry,
		Remote:           agentBridge,
		Hub:              eventHub,
		Usage:            &usageRecorder{store: usageStore},
		MaxRelevantTools: cfg.Model.RelevanceMax,
		RemoteTimeout:    cfg.Bridge.DefaultTimeout,
	}
	if retrievalStore != nil {
		orchCfg.Retriever = &retrievalContext{store: retrievalStore, topK: cfg.Retrieval.TopK}
	}
	orch := orchestrator.New(orchCfg)

	opts := chatOptions(cfg)
	exec.runner = orch
	exec.tools = registry
	exec.opts = opts

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go sched.Run(ctx)

	// --- MQTT notification mirror (optional) ---
	var mirror *notify.Mirror
	if cfg.MQTT.Enabled {
		mirror = notify.New(logger, cfg.MQTT)
		if err := mirror.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt mirror: %w", err)
		}
		eventHub.SubscribeGlobal(mirror)
		logger.Info("mqtt mirror enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
	}

	// --- API server ---
	srv := server.New(server.Config{
		Logger:      logger,
		Addr:        cfg.Listen.Addr(),
		Conv:        orch,
		Tasks:       sched,
		History:     memStore,
		Usage:       usageStore,
		Bridge:      agentBridge,
		Hub:         eventHub,
		ChatOptions: opts,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if mirror != nil {
			if err := mirror.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt mirror shutdown failed", "error", err)
			}
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := srv.Start(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Majordomo stopped")
	return nil
}

// newLogger creates a structured text logger writing to w.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func chatOptions(cfg *config.Config) orchestrator.Options {
	return orchestrator.Options{
		Model:         cfg.Model.Name,
		MaxTokens:     cfg.Model.MaxTokens,
		Temperature:   cfg.Model.Temperature,
		MaxIterations: cfg.Model.MaxIterations,
		SystemPrompt:  cfg.Model.SystemPrompt,
	}
}

// snippetSource is the part of the retrieval store the context adapter
// uses.
type snippetSource interface {
	Context(ctx context.Context, query string, k int) ([]retrieval.Snippet, error)
}

// retrievalContext adapts the retrieval store to the orchestrator's
// context provider, joining ranked snippets into one prompt block. The
// orchestrator requests k=0, deferring the snippet count to the
// configured top_k.
type retrievalContext struct {
	store snippetSource
	topK  int
}

func (r *retrievalContext) Context(ctx context.Context, query string, k int) (string, error) {
	if k <= 0 {
		k = r.topK
	}
	snippets, err := r.store.Context(ctx, query, k)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i, s := range snippets {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if s.Section != "" {
			b.WriteString(s.Section)
			b.WriteString(": ")
		}
		b.WriteString(s.Content)
	}
	return b.String(), nil
}

// usageRecorder adapts the usage store to the orchestrator's recorder.
type usageRecorder struct {
	store *usage.Store
}

func (u *usageRecorder) Record(ctx context.Context, sessionID, model string, inputTokens, outputTokens int, role string) error {
	return u.store.Record(ctx, usage.Record{
		SessionID:    sessionID,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Role:         role,
	})
}
