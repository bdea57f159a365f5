package main

import (
	"bytes"
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ExpTools/internal/config"
	"github.com/BTreeMap/ExpTools/internal/input"
	"github.com/BTreeMap/ExpTools/internal/store"
)

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	t.Setenv("EXPTOOLS_CONFIG", "")
	t.Setenv("EXPTOOLS_LOG_LEVEL", "")
	t.Setenv("EXPTOOLS_SUBJECT", "")

	env := loadEnvironmentConfig()

	if env.Subject != DefaultSubject {
		t.Errorf("Expected default subject %q, got %q", DefaultSubject, env.Subject)
	}
	if env.LogLevel != DefaultLogLevel {
		t.Errorf("Expected default log level %q, got %q", DefaultLogLevel, env.LogLevel)
	}
}

func TestLoadEnvironmentConfigFromEnv(t *testing.T) {
	t.Setenv("EXPTOOLS_CONFIG", "/etc/exptools.yaml")
	t.Setenv("EXPTOOLS_LOG_LEVEL", "debug")
	t.Setenv("EXPTOOLS_SUBJECT", "GdH")

	env := loadEnvironmentConfig()

	if env.ConfigPath != "/etc/exptools.yaml" || env.LogLevel != "debug" || env.Subject != "GdH" {
		t.Errorf("Unexpected environment config %+v", env)
	}
}

func TestParseCommandLineFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	env := EnvConfig{Subject: "GdH", LogLevel: "info"}

	flags, err := parseCommandLineFlags(fs, []string{"-index", "3", "-mri", "-trials", "8", "-db-dsn", "/tmp/x.db"}, env)
	if err != nil {
		t.Fatalf("parseCommandLineFlags: %v", err)
	}
	if *flags.subject != "GdH" || *flags.index != 3 {
		t.Errorf("Expected subject GdH index 3, got %s %d", *flags.subject, *flags.index)
	}
	for _, name := range []string{"index", "mri", "trials", "db-dsn"} {
		if !flags.set[name] {
			t.Errorf("Expected flag %s to be marked set", name)
		}
	}
	if flags.set["tracker"] {
		t.Error("Expected unset tracker flag")
	}

	cfg := config.Default()
	cfg.Eyetracker.Enabled = true
	applyFlags(&cfg, flags)
	if !cfg.MRI.Enabled || cfg.Experiment.Trials != 8 || cfg.Output.DSN != "/tmp/x.db" {
		t.Errorf("Flags not applied: mri=%v trials=%d dsn=%q", cfg.MRI.Enabled, cfg.Experiment.Trials, cfg.Output.DSN)
	}
	if !cfg.Eyetracker.Enabled {
		t.Error("Unset flag should not override the configuration")
	}
}

func TestParseCommandLineFlagsInvalid(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	if _, err := parseCommandLineFlags(fs, []string{"-index", "x"}, EnvConfig{}); err == nil {
		t.Fatal("Expected error for a non-numeric index")
	}
}

func TestInitializeLogger(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	var buf bytes.Buffer

	initializeLogger(&buf, "warn")
	slog.Info("hidden")
	slog.Warn("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("Unexpected log output %q", buf.String())
	}
}

func TestEnsureDirectoriesExist(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Session.DataDir = filepath.Join(tmp, "data")
	cfg.Output.DSN = filepath.Join(tmp, "db", "exptools.db")

	if err := ensureDirectoriesExist(cfg); err != nil {
		t.Fatalf("ensureDirectoriesExist: %v", err)
	}
	for _, dir := range []string{cfg.Session.DataDir, filepath.Join(tmp, "db")} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("Expected directory %s to exist", dir)
		}
	}
}

func TestBuildSessionOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.Enabled = false
	base := buildSessionOptions(cfg, store.NewInMemoryStore(), input.NewQueue(), nil)
	if len(base) != 2 {
		t.Errorf("Expected store and input options, got %d", len(base))
	}

	cfg.Audio.Enabled = true
	cfg.MRI.Enabled = true
	cfg.Eyetracker.Enabled = true
	cfg.EEG.Address = "127.0.0.1:1"
	all := buildSessionOptions(cfg, store.NewInMemoryStore(), input.NewQueue(), nil)
	if len(all) != 6 {
		t.Errorf("Expected 6 options, got %d", len(all))
	}
}

func testRunConfig(t *testing.T) config.Config {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Session.DataDir = filepath.Join(tmp, "data")
	cfg.Output.DSN = filepath.Join(tmp, "db", "exptools.db")
	cfg.Screen.RefreshRate = 100
	cfg.Monitor.Enabled = true
	cfg.Monitor.Address = "127.0.0.1:0"
	cfg.Experiment.Trials = 2
	cfg.Experiment.FixationTime = 10 * time.Millisecond
	cfg.Experiment.StimulusTime = 10 * time.Millisecond
	cfg.Experiment.ResponseTime = 10 * time.Millisecond
	if err := ensureDirectoriesExist(cfg); err != nil {
		t.Fatalf("ensureDirectoriesExist: %v", err)
	}
	return cfg
}

func loadRecords(t *testing.T, cfg config.Config, runID string) int {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(cfg.Output.DSN))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()
	_, records, err := st.LoadRun(runID)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	return len(records)
}

func TestRunEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("runs trials on the wall clock")
	}
	cfg := testRunConfig(t)

	runID, err := run(context.Background(), cfg, "GdH", 1, strings.NewReader(""))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := loadRecords(t, cfg, runID); got != 2 {
		t.Errorf("Expected 2 saved trials, got %d", got)
	}
}

func TestRunAbortFromKeyboard(t *testing.T) {
	if testing.Short() {
		t.Skip("runs trials on the wall clock")
	}
	cfg := testRunConfig(t)
	cfg.Experiment.FixationTime = 5 * time.Second

	start := time.Now()
	runID, err := run(context.Background(), cfg, "GdH", 1, strings.NewReader("q\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Abort took %v", elapsed)
	}
	if got := loadRecords(t, cfg, runID); got != 1 {
		t.Errorf("Expected the aborted trial to be saved alone, got %d", got)
	}
}
