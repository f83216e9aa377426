// Bashobot is a personal assistant daemon.
//
// It accepts messages from a local unix socket, a Telegram bot, and an
// MQTT broker, routes them through a configured LLM backend with local
// tool access (shell, files, memory), and persists conversation state
// under a data directory. Configuration is a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	bashobot serve             Start the daemon
//	bashobot stop              Stop a running daemon
//	bashobot send <text>       Send one message to a running daemon
//	bashobot repl              Interactive session against a running daemon
//	bashobot status            Show daemon status
//	bashobot version           Print version and build information
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bashobot/internal/agent"
	"bashobot/internal/api"
	"bashobot/internal/approval"
	"bashobot/internal/buildinfo"
	"bashobot/internal/channels/mqttchan"
	"bashobot/internal/channels/telegram"
	"bashobot/internal/commands"
	"bashobot/internal/config"
	"bashobot/internal/daemon"
	"bashobot/internal/events"
	"bashobot/internal/llm"
	"bashobot/internal/memory"
	"bashobot/internal/session"
	"bashobot/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible to
// call run() concurrently from tests, and the argument surface here is
// small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var sessionID string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-session" && i+1 < len(args):
			sessionID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-session="):
			sessionID = strings.TrimPrefix(args[i], "-session=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if sessionID == "" {
		sessionID = "default"
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "stop":
		return runStop(stdout, configPath)
	case "send":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: bashobot send <text>")
		}
		return runSend(stdout, configPath, sessionID, strings.Join(cmdArgs, " "))
	case "repl":
		return runRepl(stdout, configPath, sessionID)
	case "status":
		return runStatus(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "bashobot - personal assistant daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bashobot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve         Start the daemon")
	fmt.Fprintln(w, "  stop          Stop a running daemon")
	fmt.Fprintln(w, "  send <text>   Send one message to a running daemon")
	fmt.Fprintln(w, "  repl          Interactive session against a running daemon")
	fmt.Fprintln(w, "  status        Show daemon status")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -session <id>     Session id for send/repl (default: default)")
	return nil
}

func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := buildinfo.Info()[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// newLogger standardizes the slog handler across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// buildProviders registers one factory per configured backend. Clients
// are constructed lazily on first use, so an unconfigured backend only
// fails if something selects it.
func buildProviders(cfg *config.Config, logger *slog.Logger) *llm.Registry {
	reg := llm.NewRegistry(logger)

	reg.Register("ollama", func(l *slog.Logger) (llm.Client, error) {
		return llm.NewOllamaClient(cfg.Providers.Ollama.BaseURL), nil
	})

	reg.Register("anthropic", func(l *slog.Logger) (llm.Client, error) {
		if cfg.Providers.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("providers.anthropic.api_key is not set")
		}
		return llm.NewAnthropicClient(cfg.Providers.Anthropic.APIKey, l), nil
	})

	reg.Register("oauth", func(l *slog.Logger) (llm.Client, error) {
		oc := cfg.Providers.OAuth
		if oc.TokenURL == "" {
			return nil, fmt.Errorf("providers.oauth.token_url is not set")
		}
		store := llm.NewCredentialFile(oc.CredentialsFile)
		provider := oc.Provider
		if provider == "" {
			provider = "anthropic"
		}
		ts := llm.NewRefreshingTokenSource(provider, oc.TokenURL, oc.ClientID, store, l)
		return llm.NewAnthropicOAuthClient(ts, l), nil
	})

	return reg
}

func buildMemoryStore(cfg *config.Config) (memory.Store, error) {
	switch cfg.Memory.Backend {
	case "sqlite":
		return memory.NewSQLiteStore(filepath.Join(cfg.DataDir, "memory.db"))
	case "markdown":
		return memory.NewMarkdownStore(filepath.Join(cfg.DataDir, "memory"))
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}
}

// runServe is the primary operating mode: loads config, opens the
// stores, wires the orchestrator and channel listeners, and blocks
// until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	slog.SetDefault(logger)

	logger.Info("starting bashobot",
		"config", cfgPath,
		"data_dir", cfg.DataDir,
		"provider", cfg.Providers.Default,
		"model", cfg.Providers.Model,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	pidPath := pidFilePath(cfg)
	if err := writePIDFile(pidPath, os.Getpid()); err != nil {
		return fmt.Errorf("write pidfile %s: %w", pidPath, err)
	}
	defer os.Remove(pidPath)

	sessions, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	audit, err := session.NewAuditLog(filepath.Join(cfg.DataDir, "audit"), logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	gate, err := approval.NewGate(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open approval gate: %w", err)
	}

	var mem memory.Store
	if cfg.Memory.Enabled {
		mem, err = buildMemoryStore(cfg)
		if err != nil {
			return fmt.Errorf("open memory store: %w", err)
		}
		defer mem.Close()
		logger.Info("memory store opened", "backend", cfg.Memory.Backend)
	} else {
		logger.Info("memory store disabled")
	}

	providers := buildProviders(cfg, logger)

	runtime := config.NewRuntimeStore(cfg.DataDir, config.Runtime{
		Provider:      cfg.Providers.Default,
		Model:         cfg.Providers.Model,
		ToolsEnabled:  cfg.Tools.Enabled,
		MemoryEnabled: cfg.Memory.Enabled,
	})

	// The summarizer uses the configured default backend even if the
	// runtime overlay later switches the chat provider.
	defaultClient, err := providers.Client(cfg.Providers.Default)
	if err != nil {
		return fmt.Errorf("initialize provider %s: %w", cfg.Providers.Default, err)
	}
	summarizer := session.NewLLMSummarizer(defaultClient, cfg.Providers.Model, logger)

	compactor := session.NewCompactor(sessions, session.CompactionConfig{
		MaxTokens:        cfg.Context.MaxTokens,
		TriggerRatio:     cfg.Context.TriggerRatio,
		KeepRecentTokens: cfg.Context.KeepRecentTokens,
	}, summarizer, logger)

	home, _ := os.UserHomeDir()
	fileTools := tools.NewFileTools(home, cfg.Tools.AllowedDirs)
	bash := tools.NewBashExec(gate, tools.BashExecConfig{
		WhitelistEnforced: cfg.Tools.WhitelistEnforced,
		Timeout:           time.Duration(cfg.Tools.BashTimeoutSec) * time.Second,
	}, logger)

	var searcher tools.MemorySearcher
	if mem != nil {
		searcher = mem
	}
	registry := tools.NewRegistry(bash, fileTools, searcher, logger)

	bus := events.New()

	processor := commands.New(runtime, sessions, compactor, summarizer, mem, gate,
		providers.Names(), cfg.Context.MaxTokens, logger)

	orchestrator := agent.New(agent.Options{
		Sessions:  sessions,
		Compactor: compactor,
		Commands:  processor,
		Gate:      gate,
		Registry:  registry,
		Providers: providers,
		Runtime:   runtime,
		Audit:     audit,
		Memory:    mem,
		Bus:       bus,
		Logger:    logger,
	})

	d := daemon.New(orchestrator, daemon.Config{
		QueueSize:         cfg.Daemon.QueueSize,
		HeartbeatInterval: cfg.Daemon.HeartbeatInterval,
	}, bus, logger)

	d.AddListener(daemon.NewSocketListener(cfg.Daemon.SocketPath, logger))
	if cfg.Telegram.Enabled {
		d.AddListener(telegram.New(cfg.Telegram, logger))
	}
	if cfg.MQTT.Enabled {
		d.AddListener(mqttchan.New(cfg.MQTT, logger))
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var statusServer *api.Server
	if cfg.Status.Enabled {
		statusServer = api.New(cfg.Status.Address, cfg.Status.Port, sessions, providers, runtime, bus, logger)
		go func() {
			if err := statusServer.Start(ctx); err != nil && err != http.ErrServerClosed {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	err = d.Run(ctx)

	if statusServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = statusServer.Shutdown(shutdownCtx)
	}

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	logger.Info("bashobot stopped")
	return nil
}

// pidFilePath is where a serving daemon records its process id.
func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "bashobot.pid")
}

func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pidfile %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// stopWait bounds how long runStop waits for the daemon to exit after
// the signal is delivered.
const stopWait = 10 * time.Second

// runStop signals a running daemon with SIGTERM via its pidfile and
// waits for the process to exit.
func runStop(stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	path := pidFilePath(cfg)
	pid, err := readPIDFile(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("no pidfile at %s (is the daemon running?)", path)
	}
	if err != nil {
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			_ = os.Remove(path)
			return fmt.Errorf("stale pidfile %s: no process with pid %d", path, pid)
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	// Signal 0 probes liveness without delivering anything.
	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			fmt.Fprintf(stdout, "stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not stop within %s", pid, stopWait)
}

// runSend delivers one message over the daemon's unix socket and
// prints the reply.
func runSend(stdout io.Writer, configPath, sessionID, text string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	conn, err := net.Dial("unix", cfg.Daemon.SocketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s (is it running?): %w", cfg.Daemon.SocketPath, err)
	}
	defer conn.Close()

	reply, err := exchange(conn, sessionID, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// runRepl reads lines from stdin and round-trips each through the
// daemon on one connection.
func runRepl(stdout io.Writer, configPath, sessionID string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	conn, err := net.Dial("unix", cfg.Daemon.SocketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s (is it running?): %w", cfg.Daemon.SocketPath, err)
	}
	defer conn.Close()

	fmt.Fprintf(stdout, "Connected (session %s). Ctrl-D to exit.\n", sessionID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply, err := exchange(conn, sessionID, line)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, reply)
	}
}

// exchange writes one request line and decodes the reply line.
func exchange(conn net.Conn, sessionID, text string) (string, error) {
	if _, err := fmt.Fprintf(conn, "%s|cli|%s\n", sessionID, strings.ReplaceAll(text, "\n", " ")); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed reply: %q", line)
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode reply: %w", err)
	}
	return string(decoded), nil
}

// runStatus queries the daemon's status endpoint.
func runStatus(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Status.Enabled {
		return fmt.Errorf("status server is disabled in config")
	}

	url := fmt.Sprintf("http://%s:%d/status", cfg.Status.Address, cfg.Status.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s (is the daemon running?): %w", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}
