// Command livetalk runs a spoken practice conversation with a live AI
// partner through the local microphone and speaker, then prints the
// transcript and a speaking assessment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livetalk/internal/app"
	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/internal/language"
	"github.com/MrWong99/livetalk/internal/livetalk"
	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/internal/resilience"
	"github.com/MrWong99/livetalk/pkg/audio/device"
	"github.com/MrWong99/livetalk/pkg/provider/live"
	"github.com/MrWong99/livetalk/pkg/provider/live/gemini"
	"github.com/MrWong99/livetalk/pkg/provider/llm"
	"github.com/MrWong99/livetalk/pkg/provider/llm/anyllm"
	"github.com/MrWong99/livetalk/pkg/provider/llm/openai"
	"github.com/MrWong99/livetalk/pkg/transcript"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	lang := flag.String("lang", "", "practice language, e.g. ko-KR (default from config)")
	noAssess := flag.Bool("no-assess", false, "skip the assessment at the end of the talk")
	listDevices := flag.Bool("list-devices", false, "list audio devices and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livetalk: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livetalk: %v\n", err)
		}
		return 1
	}
	if *noAssess {
		cfg.Assessment.Disabled = true
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *listDevices {
		return printDevices(logger)
	}

	slog.Info("livetalk starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetryShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		TraceExporter:  cfg.Server.TraceExporter,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	providers, err := buildProviders(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		_ = telemetryShutdown(context.Background())
		return 1
	}

	printStartupSummary(cfg, *lang)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLogLevel(level),
		app.WithTelemetryShutdown(telemetryShutdown),
		app.WithEntryHandler(printEntry),
		app.WithStateHandler(func(s livetalk.Snapshot) {
			slog.Debug("live talk state", "state", s.State.String(), "status", s.Status)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = telemetryShutdown(context.Background())
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, application.Reload,
			config.WithHold(application.Sessions().Starting),
			config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Operational HTTP server ───────────────────────────────────────────────
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	g, gctx := errgroup.WithContext(serveCtx)
	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           application.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("operational endpoints listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// ── Live talk ─────────────────────────────────────────────────────────────
	code := 0
	info, err := application.Sessions().Start(ctx, *lang)
	if err != nil {
		slog.Error("failed to start live talk", "err", err)
		code = 1
	} else {
		fmt.Printf("\nPracticing %s. Speak now! Press Ctrl+C to end the conversation.\n\n", info.Language.Name())

		select {
		case <-ctx.Done():
		case <-application.Sessions().Ended():
		case <-gctx.Done():
		}

		endCtx, cancel := context.WithTimeout(context.Background(), cfg.Assessment.Timeout+15*time.Second)
		if cfg.Assessment.Timeout > 0 && !cfg.Assessment.Disabled {
			fmt.Println("\nEnding the conversation and preparing your feedback…")
		}
		res, err := application.Sessions().End(endCtx)
		cancel()
		if res != nil {
			code = printResult(res)
		}
		if err != nil {
			slog.Error("failed to record live talk", "err", err)
			code = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	stopServe()
	if err := g.Wait(); err != nil {
		slog.Error("http server error", "err", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// loadConfig reads path, or builds the defaults with the API key taken from
// GEMINI_API_KEY when no file is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.Providers.Live.APIKey = os.Getenv("GEMINI_API_KEY")
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires every built-in provider factory into reg.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	reg.RegisterLive("gemini", func(entry config.ProviderEntry) (live.Provider, error) {
		opts := []gemini.Option{gemini.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	for _, providerName := range anyllm.Names {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// ollama is a local server; it takes an address, not a key.
			if entry.APIKey != "" && providerName != "ollama" {
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

	reg.RegisterLLM(config.OpenAICompatibleProvider, func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg. Configured
// fallbacks put the primary behind a circuit breaker with ordered failover.
func buildProviders(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (app.Providers, error) {
	var ps app.Providers
	fbCfg := resilience.FallbackConfig{Logger: logger}

	p, err := reg.CreateLive(cfg.Providers.Live)
	if err != nil {
		return ps, fmt.Errorf("create live provider %q: %w", cfg.Providers.Live.Name, err)
	}
	ps.Live = p
	slog.Info("provider created", "kind", "live", "name", cfg.Providers.Live.Name)
	if len(cfg.Providers.LiveFallbacks) > 0 {
		fb := resilience.NewLiveFallback(p, providerLabel(cfg.Providers.Live), fbCfg)
		for _, e := range cfg.Providers.LiveFallbacks {
			p, err := reg.CreateLive(e)
			if err != nil {
				return ps, fmt.Errorf("create live fallback %q: %w", e.Name, err)
			}
			fb.AddFallback(providerLabel(e), p)
			slog.Info("fallback provider created", "kind", "live", "name", e.Name, "model", e.Model)
		}
		ps.Live = fb
	}

	if cfg.Assessment.Disabled {
		return ps, nil
	}
	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return ps, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)
		if len(cfg.Providers.LLMFallbacks) > 0 {
			fb := resilience.NewLLMFallback(p, providerLabel(cfg.Providers.LLM), fbCfg)
			for _, e := range cfg.Providers.LLMFallbacks {
				p, err := reg.CreateLLM(e)
				if err != nil {
					return ps, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
				}
				fb.AddFallback(providerLabel(e), p)
				slog.Info("fallback provider created", "kind", "llm", "name", e.Name, "model", e.Model)
			}
			ps.LLM = fb
		}
	}
	return ps, nil
}

// ── Output ────────────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, lang string) {
	if lang == "" {
		lang = cfg.Session.Language
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Live Talk: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", providerLabel(cfg.Providers.Live))
	if cfg.Assessment.Disabled {
		printRow("Assessment", "(disabled)")
	} else {
		printRow("Assessment", providerLabel(cfg.Providers.LLM))
	}
	printRow("Language", lang)
	printRow("History", cfg.History.Backend)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func printRow(kind, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func printEntry(e transcript.Entry) {
	fmt.Printf("%s: %s\n", speakerLabel(e.Speaker), e.Text)
}

func speakerLabel(s transcript.Speaker) string {
	if s == transcript.SpeakerUser {
		return "You"
	}
	return "Partner"
}

// printResult prints the assessment and returns the exit code for the talk.
func printResult(res *app.Result) int {
	code := 0
	if res.Snapshot.State == livetalk.StateError {
		fmt.Fprintf(os.Stderr, "\n%s: %s\n", res.Snapshot.Status, res.Snapshot.Error)
		code = 1
	}

	fmt.Printf("\nConversation ended after %s with %d turns.\n",
		res.Record.EndedAt.Sub(res.Record.StartedAt).Round(time.Second), len(res.Record.Entries))

	switch {
	case res.Record.Assessment != nil:
		a := res.Record.Assessment
		fmt.Println("\n── Your Feedback ──")
		fmt.Printf("Estimated level: %s\n\n%s\n", a.EstimatedLevel, a.Feedback)
		if len(a.Suggestions) > 0 {
			fmt.Println("\nSuggestions:")
			for _, s := range a.Suggestions {
				fmt.Printf("  • %s\n", s)
			}
		}
	case res.AssessmentErr != nil:
		fmt.Fprintf(os.Stderr, "\nFeedback unavailable: %v\n", res.AssessmentErr)
	case len(res.Record.Entries) == 0:
		fmt.Println("Nothing was said, so there is no feedback this time.")
	}
	return code
}

func printDevices(logger *slog.Logger) int {
	b, err := device.New(device.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "livetalk: %v\n", err)
		return 1
	}
	defer b.Close()

	inputs, outputs, err := b.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livetalk: %v\n", err)
		return 1
	}
	fmt.Println("Input devices:")
	for _, n := range inputs {
		fmt.Printf("  %s\n", strings.TrimSpace(n))
	}
	fmt.Println("Output devices:")
	for _, n := range outputs {
		fmt.Printf("  %s\n", strings.TrimSpace(n))
	}
	fmt.Printf("\nSupported languages: %v\n", language.Supported())
	return 0
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map. It returns
// "" when the key is absent or not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
