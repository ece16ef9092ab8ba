// Command parley runs one conversation between two language-model agents
// until both report they are satisfied, the turn limit is reached, or the
// inference endpoint fails.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/agent/orchestrator"
	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	"github.com/MrWong99/parley/pkg/provider/llm/ollama"
	"github.com/MrWong99/parley/pkg/provider/llm/openai"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := loadConfig(args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(os.Stderr, "parley: %v (run without -config to use the built-in defaults)\n", err)
		return exitConfig
	case err != nil:
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return exitConfig
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitFailed
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, time.Duration(cfg.Inference.TimeoutSeconds)*time.Second)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return exitConfig
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(tel.Metrics),
		app.WithTurnObserver(app.TurnPrinter(stdout)),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		if errors.Is(err, config.ErrInvalidConfig) {
			return exitConfig
		}
		return exitFailed
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	// ── Metrics listener (optional) ───────────────────────────────────────────
	var srv *http.Server
	var ln net.Listener
	if addr := cfg.Server.MetricsAddr; addr != "" {
		if ln, err = net.Listen("tcp", addr); err != nil {
			slog.Error("failed to listen for metrics", "addr", addr, "err", err)
			return exitFailed
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", tel.Handler)
		application.Health().Register(mux)
		srv = &http.Server{
			Handler:           observe.Middleware(tel.Metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		slog.Info("metrics listener ready", "addr", ln.Addr().String())
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	var (
		res    orchestrator.Result
		report app.Report
	)
	runCtx, runDone := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		defer runDone()
		res, report = application.Run(runCtx)
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("metrics listener stopped", "err", err)
	}

	// ── Report ────────────────────────────────────────────────────────────────
	if _, err := report.WriteTo(stdout); err != nil {
		slog.Warn("failed to print report", "err", err)
	}
	if path := application.TranscriptPath(); path != "" {
		fmt.Fprintf(stdout, "Transcript saved to: %s\n", path)
	}

	if res.State == orchestrator.StateFailed {
		return exitFailed
	}
	return exitOK
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmProviders are served through any-llm-go. They share one pattern:
// optional APIKey and optional BaseURL.
var anyllmProviders = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in LLM factories into reg. timeout
// bounds the wait for response headers on providers that own their HTTP
// client.
func registerBuiltinProviders(reg *config.Registry, timeout time.Duration) {
	// ollama speaks its native NDJSON API and falls back to /v1 on 404.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		p, err := ollama.New(entry.BaseURL, entry.Model, ollama.WithTimeout(timeout))
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		key := entry.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" && entry.BaseURL != "" {
			// Local OpenAI-compatible servers ignore authentication.
			key = "unused"
		}
		opts := []openai.Option{openai.WithTimeout(timeout)}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if v, ok := entry.Options["json_mode"].(bool); ok {
			opts = append(opts, openai.WithJSONMode(v))
		}
		p, err := openai.New(key, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	for _, name := range reg.LLMNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

// ── Logging ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the key is absent or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
