package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/AnchorLoop/internal/api"
	"github.com/BTreeMap/AnchorLoop/internal/config"
	"github.com/BTreeMap/AnchorLoop/internal/conversation"
	"github.com/BTreeMap/AnchorLoop/internal/genai"
	"github.com/BTreeMap/AnchorLoop/internal/lockfile"
	"github.com/BTreeMap/AnchorLoop/internal/metrics"
	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/platform/console"
	"github.com/BTreeMap/AnchorLoop/internal/platform/wsbridge"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
	"github.com/BTreeMap/AnchorLoop/internal/store"
	"github.com/BTreeMap/AnchorLoop/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AnchorLoop state data
	DefaultStateDir = "/var/lib/anchorloop"
	// DefaultDBFileName is the default SQLite turn log filename
	DefaultDBFileName = "anchorloop.db"
	// PlatformConsole reads typed lines and prints replies.
	PlatformConsole = "console"
	// PlatformWebSocket drives a browser's speech engines over /ws.
	PlatformWebSocket = "ws"
)

func main() {
	cfg := loadEnvironmentConfig()
	flags := parseCommandLineFlags(cfg)
	initializeLogger(*flags.logLevel, *flags.platform)

	if err := run(flags); err != nil {
		slog.Error("AnchorLoop failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("AnchorLoop exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	OpenAIKey      string
	GeminiKey      string
	Provider       string
	Model          string
	APIAddr        string
	TurnLogDSN     string
	TurnLogEnabled bool
	GenAIDebug     bool
	LogLevel       string
	SettingsPath   string
	Platform       string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	openaiKey    *string
	geminiKey    *string
	provider     *string
	model        *string
	apiAddr      *string
	turnLogDSN   *string
	turnLog      *bool
	genaiDebug   *bool
	logLevel     *string
	settingsPath *string
	platform     *string
	publicURL    *string
	showQR       *bool
	autostart    *bool
}

// initializeLogger sets up structured logging. The console platform owns
// stdout, so logs go to stderr there.
func initializeLogger(level, platform string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	var w io.Writer = os.Stdout
	if platform == PlatformConsole {
		w = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := Config{
		StateDir:       os.Getenv("ANCHORLOOP_STATE_DIR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		GeminiKey:      os.Getenv("GEMINI_API_KEY"),
		Provider:       strings.ToLower(os.Getenv("REPLY_PROVIDER")),
		Model:          os.Getenv("REPLY_MODEL"),
		APIAddr:        os.Getenv("API_ADDR"),
		TurnLogDSN:     os.Getenv("TURNLOG_DSN"),
		TurnLogEnabled: util.ParseBoolEnv("TURNLOG_ENABLED", true),
		GenAIDebug:     util.ParseBoolEnv("GENAI_DEBUG", false),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		SettingsPath:   os.Getenv("ANCHORLOOP_SETTINGS"),
		Platform:       os.Getenv("ANCHORLOOP_PLATFORM"),
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.TurnLogDSN == "" {
		cfg.TurnLogDSN = os.Getenv("DATABASE_URL")
	}
	if cfg.TurnLogDSN == "" {
		cfg.TurnLogDSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("No TURNLOG_DSN or DATABASE_URL set, using SQLite in the state directory", "dsn", cfg.TurnLogDSN)
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
		if cfg.OpenAIKey == "" && cfg.GeminiKey != "" {
			cfg.Provider = "gemini"
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Platform == "" {
		cfg.Platform = PlatformConsole
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = api.DefaultServerAddress
	}
	return cfg
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(cfg Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", cfg.StateDir, "state directory for the lock, turn log and debug output (overrides $ANCHORLOOP_STATE_DIR)"),
		openaiKey:    flag.String("openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		geminiKey:    flag.String("gemini-api-key", cfg.GeminiKey, "Gemini API key (overrides $GEMINI_API_KEY)"),
		provider:     flag.String("provider", cfg.Provider, "reply provider: openai or gemini (overrides $REPLY_PROVIDER)"),
		model:        flag.String("model", cfg.Model, "reply model name (overrides $REPLY_MODEL)"),
		apiAddr:      flag.String("api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)"),
		turnLogDSN:   flag.String("turnlog-dsn", cfg.TurnLogDSN, "turn log DSN: SQLite path, PostgreSQL URL or \"memory\" (overrides $TURNLOG_DSN or $DATABASE_URL)"),
		turnLog:      flag.Bool("turnlog", cfg.TurnLogEnabled, "record completed turns (overrides $TURNLOG_ENABLED)"),
		genaiDebug:   flag.Bool("genai-debug", cfg.GenAIDebug, "write provider requests and responses to the state directory (overrides $GENAI_DEBUG)"),
		logLevel:     flag.String("log-level", cfg.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
		settingsPath: flag.String("settings", cfg.SettingsPath, "YAML settings file (overrides $ANCHORLOOP_SETTINGS)"),
		platform:     flag.String("platform", cfg.Platform, "speech platform: console or ws (overrides $ANCHORLOOP_PLATFORM)"),
		publicURL:    flag.String("public-url", "", "base URL browsers use to reach this server, for the ws platform QR code"),
		showQR:       flag.Bool("qr", true, "print the bridge URL as a QR code on the ws platform"),
		autostart:    flag.Bool("autostart", true, "start listening immediately on the console platform"),
	}
	flag.Parse()
	applyStateDirDefaults(cfg, flags)
	return flags
}

// applyStateDirDefaults moves the default turn log into a state directory
// given on the command line.
func applyStateDirDefaults(cfg Config, flags Flags) {
	defaultDSN := filepath.Join(cfg.StateDir, DefaultDBFileName)
	if *flags.turnLogDSN == cfg.TurnLogDSN && cfg.TurnLogDSN == defaultDSN && *flags.stateDir != cfg.StateDir {
		*flags.turnLogDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated turn log DSN based on state directory", "old_state_dir", cfg.StateDir, "new_state_dir", *flags.stateDir)
	}
}

func run(flags Flags) error {
	platformName := *flags.platform
	if platformName != PlatformConsole && platformName != PlatformWebSocket {
		return fmt.Errorf("unknown platform %q", platformName)
	}

	lock, err := lockfile.Acquire(*flags.stateDir, lockfile.WithPlatform(platformName))
	if err != nil {
		return err
	}
	defer lock.Release()

	settings, err := config.Load(*flags.settingsPath)
	if err != nil {
		return err
	}
	slog.Debug("settings loaded", "locale", settings.Locale, "voice", settings.Voice, "restart_delay", settings.RestartDelay, "max_silent_restarts", settings.MaxSilentRestarts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(metrics.DefaultNamespace)
	completer, err := buildCompleter(ctx, flags)
	if err != nil {
		return err
	}
	engine := genai.NewEngine(completer,
		genai.WithPersonaName(settings.PersonaName),
		genai.WithReplyTimeout(settings.ReplyTimeout),
		genai.WithReplyObserver(collector),
	)

	turns, err := buildTurnStore(flags)
	if err != nil {
		return err
	}
	if turns != nil {
		defer turns.Close()
	}

	var (
		rec    speech.Recognizer
		synth  speech.Synthesizer
		term   *console.Platform
		bridge *wsbridge.Bridge
	)
	switch platformName {
	case PlatformConsole:
		term = console.New(os.Stdin, os.Stdout)
		rec, synth = term, term
	case PlatformWebSocket:
		bridge = wsbridge.New()
		rec, synth = bridge, bridge
	}

	input := speech.NewInput(rec, speech.WithInputLang(settings.Locale))
	output := speech.NewOutput(synth, speech.WithOutputLang(settings.Locale), speech.WithVoiceSettings(settings.VoiceSettings()))
	loopOpts := []conversation.Option{
		conversation.WithRestartDelay(settings.RestartDelay),
		conversation.WithMaxSilentRestarts(settings.MaxSilentRestarts),
		conversation.WithObserver(collector),
	}
	if turns != nil {
		loopOpts = append(loopOpts, conversation.WithRecorder(turns))
	}
	loop := conversation.NewLoop(input, output, engine, loopOpts...)

	apiOpts := []api.Option{api.WithAddr(*flags.apiAddr), api.WithMetrics(collector)}
	if turns != nil {
		apiOpts = append(apiOpts, api.WithTurnStore(turns))
	}
	if bridge != nil {
		apiOpts = append(apiOpts, api.WithBridge(bridge))
	}
	server := api.NewServer(loop, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	switch {
	case term != nil:
		g.Go(func() error {
			select {
			case <-term.Done():
				slog.Info("console input closed, shutting down")
				stop()
			case <-gctx.Done():
			}
			return nil
		})
		g.Go(func() error { return reportStatus(gctx, loop, nil) })
		if *flags.autostart {
			if err := loop.Start(ctx); err != nil {
				slog.Warn("failed to start listening", "error", err)
			}
		}
	case bridge != nil:
		g.Go(func() error { return reportStatus(gctx, loop, bridge.PublishStatus) })
		bridgeURL := publicBridgeURL(*flags.publicURL, server.Addr())
		slog.Info("browser speech bridge ready", "url", bridgeURL)
		if *flags.showQR {
			qrterminal.GenerateHalfBlock(bridgeURL, qrterminal.L, os.Stdout)
		}
	}

	slog.Info("AnchorLoop running", "platform", platformName, "provider", providerName(completer), "api_addr", server.Addr(), "turnlog", turns != nil)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildCompleter returns the configured reply provider, or nil when no key is
// set, in which case every reply is the fallback.
func buildCompleter(ctx context.Context, flags Flags) (genai.Completer, error) {
	var opts []genai.Option
	if *flags.model != "" {
		opts = append(opts, genai.WithModel(*flags.model))
	}
	if *flags.genaiDebug {
		opts = append(opts, genai.WithDebug(*flags.stateDir))
	}

	switch strings.ToLower(*flags.provider) {
	case "openai":
		if *flags.openaiKey == "" {
			slog.Warn("OPENAI_API_KEY not set; replies will use the fallback text")
			return nil, nil
		}
		client, err := genai.NewClient(append(opts, genai.WithAPIKey(*flags.openaiKey))...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return client, nil
	case "gemini":
		if *flags.geminiKey == "" {
			slog.Warn("GEMINI_API_KEY not set; replies will use the fallback text")
			return nil, nil
		}
		client, err := genai.NewGeminiClient(ctx, append(opts, genai.WithAPIKey(*flags.geminiKey))...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown reply provider %q", *flags.provider)
	}
}

// buildTurnStore opens the turn log named by the DSN flag. An empty DSN or
// "memory" keeps turns in memory only.
func buildTurnStore(flags Flags) (store.TurnStore, error) {
	if !*flags.turnLog {
		slog.Debug("turn log disabled")
		return nil, nil
	}
	dsn := *flags.turnLogDSN
	slog.Debug("Opening turn log", "backend", store.DetectDSNType(dsn))
	return store.Open(store.WithDSN(dsn))
}

// reportStatus follows loop status. Errors are logged once per change and
// every snapshot is handed to publish when set.
func reportStatus(ctx context.Context, loop *conversation.Loop, publish func(models.Status)) error {
	updates, cancel := loop.Subscribe()
	defer cancel()
	lastErr := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if st.LastError != "" && st.LastError != lastErr {
				slog.Warn("conversation status", "state", st.State, "message", st.LastError)
			}
			lastErr = st.LastError
			if publish != nil {
				publish(st)
			}
		}
	}
}

func publicBridgeURL(publicURL, addr string) string {
	base := strings.TrimRight(publicURL, "/")
	if base == "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			host, port = "localhost", "8080"
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		base = "http://" + net.JoinHostPort(host, port)
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func providerName(c genai.Completer) string {
	if c == nil {
		return "none"
	}
	return c.Name()
}
