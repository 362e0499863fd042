// Command duplexd is the main entry point for the duplex voice daemon.
//
// It loads the YAML configuration, builds the configured STT, response and
// TTS providers, and serves the WebSocket audio gateway alongside the
// health and metrics endpoints.
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
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvolker/duplex/internal/config"
	"github.com/nvolker/duplex/internal/echo"
	"github.com/nvolker/duplex/internal/gateway"
	"github.com/nvolker/duplex/internal/health"
	"github.com/nvolker/duplex/internal/observe"
	"github.com/nvolker/duplex/internal/orchestrator"
	"github.com/nvolker/duplex/internal/resilience"
	"github.com/nvolker/duplex/internal/session"
	"github.com/nvolker/duplex/internal/translog"
	"github.com/nvolker/duplex/internal/vad"
	"github.com/nvolker/duplex/pkg/provider/capture"
	"github.com/nvolker/duplex/pkg/provider/respond"
	"github.com/nvolker/duplex/pkg/provider/respond/anyllm"
	"github.com/nvolker/duplex/pkg/provider/stt"
	sttopenai "github.com/nvolker/duplex/pkg/provider/stt/openai"
	"github.com/nvolker/duplex/pkg/provider/stt/whisper"
	"github.com/nvolker/duplex/pkg/provider/tts"
	"github.com/nvolker/duplex/pkg/provider/tts/elevenlabs"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duplexd: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duplexd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can swap it at
	// runtime without rebuilding the handler.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("duplexd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "duplexd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Transcript log (optional) ─────────────────────────────────────────────
	var recorder session.TranscriptRecorder
	var store *translog.Store
	if dsn := cfg.TranscriptLog.PostgresDSN; dsn != "" {
		store, err = translog.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open transcript log", "err", err)
			return 1
		}
		defer store.Close()
		recorder = store
		slog.Info("transcript log enabled")
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// The session factory reads pipeline sections through Watcher.Current,
	// so a reload applies to the next session without restarting.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Any() {
			slog.Info("config file changed, no hot-reloadable differences")
			return
		}
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.AssistantChanged || d.VADChanged || d.EchoChanged ||
			d.HallucinationChanged || d.DedupChanged || d.RetryChanged {
			slog.Info("pipeline config reloaded, applies to the next session")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Session manager and gateway ───────────────────────────────────────────
	mgr := session.NewManager(sessionFactory(watcher.Current, providers, metrics, recorder), metrics)
	gw := gateway.New(mgr, gateway.WithFormat(cfg.Audio.SampleRate, cfg.Audio.Channels))

	// ── HTTP surface ──────────────────────────────────────────────────────────
	apiMux := http.NewServeMux()
	health.New(statusFunc(mgr), checkers(store)...).Register(apiMux)
	apiMux.Handle("GET /metrics", promhttp.Handler())
	if store != nil {
		translog.NewHandler(store).Register(apiMux)
	}

	// The audio route bypasses the telemetry middleware: the wrapped
	// response writer does not support the hijack needed by the WebSocket
	// upgrade.
	mux := http.NewServeMux()
	gw.Register(mux)
	mux.Handle("/", observe.Middleware(metrics)(apiMux))

	// ── Serve ─────────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if mgr.IsActive() {
		if err := mgr.Stop(shutdownCtx); err != nil {
			slog.Warn("session stop error", "err", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// WebSocket connections are hijacked and survive Shutdown.
		_ = srv.Close()
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providers bundles the three pipeline backends built from the config.
type providers struct {
	STT     stt.Provider
	Respond respond.Provider
	TTS     tts.Provider
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Respond ───────────────────────────────────────────────────────────────
	// The hosted chat backends share the same pattern: optional APIKey plus
	// optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterRespond(providerName, func(entry config.ProviderEntry) (respond.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterRespond("ollama", func(entry config.ProviderEntry) (respond.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttopenai.WithLanguage(lang))
		}
		return sttopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
}

// buildProviders instantiates the providers named in cfg. All three pipeline
// stages must be configured.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*providers, error) {
	ps := &providers{}

	// The assistant-level language is the default for every STT backend; a
	// per-provider options.language entry still wins.
	sttEntry := cfg.Providers.STT
	if cfg.Assistant.Language != "" {
		sttEntry = sttEntry.WithDefaultOption("language", cfg.Assistant.Language)
	}

	sttP, err := reg.CreateSTT(sttEntry)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = sttP
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if fb := cfg.Providers.STTFallback; fb != nil {
		fbEntry := *fb
		if cfg.Assistant.Language != "" {
			fbEntry = fbEntry.WithDefaultOption("language", cfg.Assistant.Language)
		}
		backup, err := reg.CreateSTT(fbEntry)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback provider %q: %w", fb.Name, err)
		}
		ps.STT = newSTTFailover(cfg.Providers.STT.Name, sttP, fb.Name, backup, metrics)
		slog.Info("stt failover enabled", "primary", cfg.Providers.STT.Name, "fallback", fb.Name)
	}

	ps.Respond, err = reg.CreateRespond(cfg.Providers.Respond)
	if err != nil {
		return nil, fmt.Errorf("create respond provider %q: %w", cfg.Providers.Respond.Name, err)
	}
	slog.Info("provider created", "kind", "respond", "name", cfg.Providers.Respond.Name)

	ps.TTS, err = reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	return ps, nil
}

// ── STT failover adapter ──────────────────────────────────────────────────────

// sttFailover routes transcription through a circuit-breaker group so a
// tripped primary backend fails over to the backup.
type sttFailover struct {
	group   *resilience.Failover[stt.Provider]
	metrics *observe.Metrics
}

var _ stt.Provider = (*sttFailover)(nil)

func newSTTFailover(primaryName string, primary stt.Provider, backupName string, backup stt.Provider, metrics *observe.Metrics) *sttFailover {
	group := resilience.NewFailover(primaryName, primary, resilience.BreakerConfig{
		Name: "stt",
	}).Add(backupName, backup)
	return &sttFailover{group: group, metrics: metrics}
}

func (f *sttFailover) Transcribe(ctx context.Context, pcm []byte) (*stt.Transcript, error) {
	tr, err := resilience.Do(ctx, f.group, func(ctx context.Context, backend stt.Provider) (*stt.Transcript, error) {
		return backend.Transcribe(ctx, pcm)
	})
	if f.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		f.metrics.RecordProviderRequest(ctx, "stt-failover", "stt", status)
	}
	return tr, err
}

// ── Session factory ───────────────────────────────────────────────────────────

// sessionFactory builds one orchestrator and session per gateway connection
// from the current config snapshot.
func sessionFactory(current func() *config.Config, ps *providers, metrics *observe.Metrics, recorder session.TranscriptRecorder) session.Factory {
	return func(id string, src capture.Source, player session.Player) (*session.Session, []func() error, error) {
		cfg := current()
		det := echo.NewDetector(echoConfig(cfg.Echo))

		voice := tts.VoiceProfile{
			ID:              cfg.Assistant.Voice.VoiceID,
			Provider:        cfg.Providers.TTS.Name,
			Speed:           cfg.Assistant.Voice.Speed,
			Stability:       cfg.Assistant.Voice.Stability,
			SimilarityBoost: cfg.Assistant.Voice.SimilarityBoost,
		}

		retryer := resilience.NewRetryer(retryConfig(cfg.Retry),
			resilience.WithNotify(func(attempt int, err error, delay time.Duration) {
				metrics.RecordRetry(context.Background(), "provider")
				slog.Debug("provider retry", "attempt", attempt, "delay", delay, "err", err)
			}),
		)

		opts := []orchestrator.Option{
			orchestrator.WithEchoDetector(det),
			orchestrator.WithMetrics(metrics),
			orchestrator.WithHallucinationConfig(orchestrator.HallucinationConfig{
				MaxLength:     cfg.Hallucination.MaxLength,
				MaxSentences:  cfg.Hallucination.MaxSentences,
				ExtraPatterns: cfg.Hallucination.ExtraPatterns,
			}),
			orchestrator.WithDedupConfig(orchestrator.DedupConfig{
				ExtensionChars:  cfg.Dedup.ExtensionChars,
				ExtensionWindow: cfg.Dedup.ExtensionWindow.D(),
				RephraseRatio:   cfg.Dedup.RephraseRatio,
				RephraseChars:   cfg.Dedup.RephraseChars,
			}),
		}
		if cfg.Assistant.SystemPrompt != "" {
			opts = append(opts, orchestrator.WithSystemPrompt(cfg.Assistant.SystemPrompt))
		}
		if cfg.Assistant.TranscriptFallback != "" || cfg.Assistant.ResponseFallback != "" {
			opts = append(opts, orchestrator.WithFallbackPhrases(
				cfg.Assistant.TranscriptFallback, cfg.Assistant.ResponseFallback))
		}
		if cfg.Assistant.HistoryLimit > 0 {
			opts = append(opts, orchestrator.WithHistoryLimit(cfg.Assistant.HistoryLimit))
		}
		if cfg.Audio.SampleRate > 0 {
			opts = append(opts, orchestrator.WithSampleRate(cfg.Audio.SampleRate))
		}

		orch := orchestrator.New(ps.STT, ps.Respond, ps.TTS, voice, retryer, opts...)

		sess, err := session.New(session.Config{
			ID:           id,
			Source:       src,
			Player:       player,
			Orchestrator: orch,
			Detector:     det,
			VAD:          vadConfig(cfg.VAD),
			SampleRate:   cfg.Audio.SampleRate,
			Channels:     cfg.Audio.Channels,
			Metrics:      metrics,
			Recorder:     recorder,
		})
		if err != nil {
			return nil, nil, err
		}
		return sess, nil, nil
	}
}

// ── Health wiring ─────────────────────────────────────────────────────────────

func statusFunc(mgr *session.Manager) health.StatusFunc {
	return func() health.SessionStatus {
		if !mgr.IsActive() {
			return health.SessionStatus{}
		}
		info := mgr.Info()
		st := health.SessionStatus{
			Active:    true,
			SessionID: info.SessionID,
			StartedAt: info.StartedAt,
		}
		if sess := mgr.Active(); sess != nil {
			st.State = string(sess.State())
			stats := sess.Stats()
			st.Counters = map[string]int{
				"utterances":      stats.Utterances,
				"accepted":        stats.Accepted,
				"echoes_rejected": stats.EchoesRejected,
				"skipped":         stats.Skipped,
				"interrupted":     stats.Interrupted,
				"fallbacks":       stats.Fallbacks,
				"errors":          stats.Errors,
				"turns_completed": stats.TurnsCompleted,
			}
		}
		return st
	}
}

func checkers(store *translog.Store) []health.Checker {
	if store == nil {
		return nil
	}
	return []health.Checker{{
		Name:  "postgres",
		Check: store.Ping,
	}}
}

// ── Config conversion ─────────────────────────────────────────────────────────

func vadConfig(c config.VADConfig) vad.Config {
	return vad.Config{
		FallbackThreshold: c.FallbackThreshold,
		AdaptiveRatio:     c.AdaptiveRatio,
		PeakRatio:         c.PeakRatio,
		HysteresisFrames:  c.HysteresisFrames,
		SilenceGap:        c.SilenceGap.D(),
		MinSpeechDuration: c.MinSpeechDuration.D(),
		MaxSpanDuration:   c.MaxSpanDuration.D(),
		EnergyWindow:      c.EnergyWindow,
	}
}

func echoConfig(c config.EchoConfig) echo.Config {
	return echo.Config{
		TextWeight:       c.TextWeight,
		FrequencyWeight:  c.FrequencyWeight,
		ClassifierWeight: c.ClassifierWeight,
		Threshold:        c.Threshold,
		MaxProfiles:      c.MaxProfiles,
		MaxProfileAge:    c.MaxProfileAge.D(),
	}
}

func retryConfig(c config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay.D(),
		MaxDelay:    c.MaxDelay.D(),
		Factor:      c.Factor,
		JitterFrac:  c.Jitter,
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
