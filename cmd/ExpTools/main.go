package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/ExpTools/internal/audio"
	"github.com/BTreeMap/ExpTools/internal/config"
	"github.com/BTreeMap/ExpTools/internal/experiment"
	"github.com/BTreeMap/ExpTools/internal/gaze"
	"github.com/BTreeMap/ExpTools/internal/input"
	"github.com/BTreeMap/ExpTools/internal/lockfile"
	"github.com/BTreeMap/ExpTools/internal/monitor"
	"github.com/BTreeMap/ExpTools/internal/session"
	"github.com/BTreeMap/ExpTools/internal/staircase"
	"github.com/BTreeMap/ExpTools/internal/store"
	"github.com/BTreeMap/ExpTools/internal/tracker"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultSubject is used when neither -subject nor $EXPTOOLS_SUBJECT is set
	DefaultSubject = "XX"
	// DefaultLogLevel is the slog level used unless overridden
	DefaultLogLevel = "info"
)

func main() {
	// Initialize structured logger
	logOut := io.Writer(os.Stdout)
	if input.IsTerminal(os.Stdout) {
		// stdin may be switched to raw mode, which also stops "\n" from returning the carriage
		logOut = input.NewRawWriter(os.Stdout)
	}
	initializeLogger(logOut, DefaultLogLevel)

	// Load environment configuration
	env := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], env)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	initializeLogger(logOut, *flags.logLevel)

	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlags(&cfg, flags)
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Ensure required directories exist
	if err := ensureDirectoriesExist(cfg); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ExpTools", "subject", *flags.subject, "index", *flags.index)
	runID, err := run(ctx, cfg, *flags.subject, *flags.index, os.Stdin)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Error("Data directory is in use by another session", "error", err)
		} else {
			slog.Error("ExpTools failed to run", "run_id", runID, "error", err)
		}
		stop()
		os.Exit(1)
	}
	slog.Info("ExpTools exited successfully", "run_id", runID)
}

// EnvConfig holds environment configuration
type EnvConfig struct {
	ConfigPath string
	LogLevel   string
	Subject    string
}

// Flags holds command line flag values
type Flags struct {
	subject     *string
	index       *int
	configPath  *string
	logLevel    *string
	dataDir     *string
	dbDSN       *string
	monitorAddr *string
	tracker     *bool
	mri         *bool
	trials      *int

	set map[string]bool
}

// initializeLogger sets up structured logging at the named level.
func initializeLogger(w io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() EnvConfig {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	env := EnvConfig{
		ConfigPath: os.Getenv("EXPTOOLS_CONFIG"),
		LogLevel:   os.Getenv("EXPTOOLS_LOG_LEVEL"),
		Subject:    os.Getenv("EXPTOOLS_SUBJECT"),
	}
	if env.LogLevel == "" {
		env.LogLevel = DefaultLogLevel
	}
	if env.Subject == "" {
		env.Subject = DefaultSubject
		slog.Debug("No EXPTOOLS_SUBJECT set, using default", "subject", env.Subject)
	}

	slog.Debug("environment variables loaded",
		"EXPTOOLS_CONFIG", env.ConfigPath,
		"EXPTOOLS_LOG_LEVEL", env.LogLevel,
		"EXPTOOLS_SUBJECT", env.Subject)
	return env
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, env EnvConfig) (Flags, error) {
	flags := Flags{
		subject:     fs.String("subject", env.Subject, "subject initials (overrides $EXPTOOLS_SUBJECT)"),
		index:       fs.Int("index", 0, "run index of this subject"),
		configPath:  fs.String("config", env.ConfigPath, "YAML configuration file (overrides $EXPTOOLS_CONFIG)"),
		logLevel:    fs.String("log-level", env.LogLevel, "debug, info, warn or error (overrides $EXPTOOLS_LOG_LEVEL)"),
		dataDir:     fs.String("data-dir", "", "output directory (overrides config and $EXPTOOLS_DATA_DIR)"),
		dbDSN:       fs.String("db-dsn", "", "SQLite path or Postgres URL for trial output (overrides $EXPTOOLS_DB_DSN)"),
		monitorAddr: fs.String("monitor-addr", "", "serve the operator monitor on this address"),
		tracker:     fs.Bool("tracker", false, "use the eye tracker"),
		mri:         fs.Bool("mri", false, "wait for and count MRI triggers"),
		trials:      fs.Int("trials", 0, "number of motion trials"),
		set:         map[string]bool{},
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	fs.Visit(func(f *flag.Flag) { flags.set[f.Name] = true })

	slog.Debug("flags parsed",
		"subject", *flags.subject,
		"index", *flags.index,
		"config", *flags.configPath,
		"dataDir", *flags.dataDir,
		"dbDSN_set", *flags.dbDSN != "",
		"monitorAddr", *flags.monitorAddr,
		"set", len(flags.set))
	return flags, nil
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cfg *config.Config, flags Flags) {
	if flags.set["data-dir"] {
		cfg.Session.DataDir = *flags.dataDir
	}
	if flags.set["db-dsn"] {
		cfg.Output.DSN = *flags.dbDSN
	}
	if flags.set["monitor-addr"] {
		cfg.Monitor.Enabled = *flags.monitorAddr != ""
		cfg.Monitor.Address = *flags.monitorAddr
	}
	if flags.set["tracker"] {
		cfg.Eyetracker.Enabled = *flags.tracker
	}
	if flags.set["mri"] {
		cfg.MRI.Enabled = *flags.mri
	}
	if flags.set["trials"] {
		cfg.Experiment.Trials = *flags.trials
	}
}

// ensureDirectoriesExist creates the data directory and, for a file-based DSN,
// the directory of the SQLite database.
func ensureDirectoriesExist(cfg config.Config) error {
	dirs := []string{cfg.Session.DataDir}
	if dsn := cfg.Output.DSN; dsn != "" && store.DetectDSNType(dsn) == store.DSNTypeSQLite {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(dsn, "file:")))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildSessionOptions constructs the session capabilities selected by cfg.
func buildSessionOptions(cfg config.Config, st store.Store, keys input.Source, pub session.Publisher) []session.Option {
	opts := []session.Option{session.WithStore(st), session.WithInput(keys)}
	if pub != nil {
		opts = append(opts, session.WithPublisher(pub))
	}

	if sc, ok := cfg.ScannerConfig(); ok {
		opts = append(opts, session.WithScanner(sc))
	}

	if mode := cfg.TrackerMode(); mode != session.TrackerOff {
		// no EyeLink binding is available, the dummy tracker replays a fixed gaze
		x, y := cfg.Geometry().Center()
		d := tracker.NewDummy(gaze.Static{Position: gaze.Point{X: x, Y: y}})
		opts = append(opts, session.WithTracker(tracker.DummyConnector(d), mode))
		slog.Warn("Using the dummy eye tracker")
	}

	if cfg.EEG.Address != "" {
		opts = append(opts, session.WithEEG(cfg.EEG.Address))
	}

	if cfg.Audio.Enabled {
		sounds := audio.DefaultSounds()
		if dir := cfg.Audio.SoundDir; dir != "" {
			loaded, err := audio.LoadDir(dir)
			if err != nil {
				slog.Warn("Failed to load sounds, using built-in tones", "dir", dir, "error", err)
			} else {
				for id, s := range loaded {
					sounds[id] = s
				}
			}
		}
		opts = append(opts, session.WithAudio(audio.NewPlayer(audio.NullBackend{}, sounds)))
	}
	return opts
}

// run executes one block for subject and returns the run id.
func run(ctx context.Context, cfg config.Config, subject string, index int, stdin io.Reader) (string, error) {
	st, err := store.Open(cfg.StoreOptions()...)
	if err != nil {
		return "", fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	keys := input.NewQueue()
	readKeys := input.ReadLines
	if kbd, err := input.MakeRaw(stdin); err != nil {
		slog.Warn("Keyboard stays in line mode, responses need Enter", "error", err)
	} else if kbd != nil {
		readKeys = input.ReadKeys
		defer func() {
			if err := kbd.Restore(); err != nil {
				slog.Error("Failed to restore terminal", "error", err)
			}
		}()
	}
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	go func() {
		if err := readKeys(readCtx, stdin, keys); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Keyboard input stopped", "error", err)
		}
	}()

	var hub *monitor.Hub
	var pub session.Publisher
	if cfg.Monitor.Enabled {
		hub = monitor.NewHub()
		pub = hub
	}

	s, err := session.New(ctx, cfg.SessionConfig(subject, index), buildSessionOptions(cfg, st, keys, pub)...)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}

	if hub != nil {
		hubCtx, stopHub := context.WithCancel(ctx)
		defer stopHub()
		go hub.Run(hubCtx)
		srv := monitor.NewServer(cfg.Monitor.Address, s, hub)
		if err := srv.Start(); err != nil {
			slog.Warn("Monitor unavailable", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					slog.Warn("Monitor shutdown failed", "error", err)
				}
			}()
		}
	}

	sc, err := staircase.New(cfg.StaircaseConfig())
	if err != nil {
		s.Close()
		return s.RunID(), err
	}
	block := &experiment.Block{
		Trials:       cfg.Experiment.Trials,
		Motion:       cfg.MotionConfig(),
		Staircase:    sc,
		Seed:         cfg.Experiment.Seed,
		DriftCorrect: cfg.Eyetracker.Enabled && cfg.Eyetracker.DriftCorrect,
	}
	runErr := experiment.RunBlock(ctx, s, block)
	if errors.Is(runErr, context.Canceled) {
		slog.Info("Session interrupted", "run_id", s.RunID())
		runErr = nil
	}
	return s.RunID(), errors.Join(runErr, s.Close())
}
