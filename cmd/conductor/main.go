// Command conductor runs one agent session from the command line:
// it loads configuration and environment, wires the gollm-backed model
// client and the SQLite history store to the orchestration loop, and
// prints the final answer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/martinemde/conductor/config"
	"github.com/martinemde/conductor/historydb"
	"github.com/martinemde/conductor/llmbridge"
	"github.com/martinemde/conductor/orchestrator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to conductor.yaml")
	maxIterations := flag.Int("max-iterations", 0, "override the iteration limit")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	prompt := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if prompt == "" {
		return fmt.Errorf("usage: conductor [flags] <prompt>")
	}

	// Best-effort: a missing .env file is fine.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if path, err := config.FindConfig(*configPath); err != nil {
		return err
	} else if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return err
		}
		logger.Debug("loaded config", "path", path)
	}

	sessionCfg := cfg.SessionConfig()
	if *maxIterations > 0 {
		sessionCfg.MaxIterations = *maxIterations
	}

	client, err := llmbridge.NewClient(cfg.LLMProviderConfig(), llmbridge.WithLogger(logger))
	if err != nil {
		return err
	}

	store, err := historydb.NewStore(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions := orchestrator.NewSessionStore()
	session := sessions.Create(sessionCfg)

	ctrl := orchestrator.NewIterationController(session, sessions, orchestrator.Deps{
		Decider:    client,
		Runner:     builtinRunner{},
		Verifier:   client,
		Summarizer: client,
		Sink:       store,
		Tools:      builtinTools(),
		Logger:     logger,
	})

	// Ctrl-C throws the kill switch; the loop unwinds cooperatively.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("stopping session", "session", session.ID())
		sessions.Cancel(session.ID())
	}()

	go func() {
		for snap := range ctrl.Progress() {
			if len(snap.Steps) > 0 {
				logger.Debug("progress",
					"iteration", snap.Iteration,
					"step", snap.Steps[len(snap.Steps)-1])
			}
		}
	}()

	result, err := ctrl.Run(context.Background(), prompt)
	if err != nil {
		return err
	}

	fmt.Println(result.FinalContent)
	logger.Info("session finished",
		"session", result.SessionID,
		"status", result.Status,
		"reason", result.Reason,
		"iterations", result.Iterations)
	return nil
}

// builtinTools describes the demo tools the binary ships with.
func builtinTools() []llmbridge.ToolDescriptor {
	return []llmbridge.ToolDescriptor{
		{
			Name:        "current_time",
			Description: "Returns the current local date and time.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
}

// builtinRunner executes the demo tools. Unknown tools come back as
// error results, never Go errors.
type builtinRunner struct{}

func (builtinRunner) Run(_ context.Context, call llmbridge.ToolCall, _ func(string)) llmbridge.ToolResult {
	switch call.Name {
	case "current_time":
		return llmbridge.TextResult(call.ID, time.Now().Format(time.RFC1123))
	default:
		return llmbridge.ErrorResult(call.ID, fmt.Sprintf("unknown tool: %s", call.Name))
	}
}
