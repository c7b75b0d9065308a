package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	txStdLib "github.com/Thiht/transactor/stdlib"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/benjamonnguyen/leakwatch"
	"github.com/benjamonnguyen/leakwatch/charmlog"
	"github.com/benjamonnguyen/leakwatch/eventlog"
	"github.com/benjamonnguyen/leakwatch/sqlite"
	"github.com/benjamonnguyen/leakwatch/tracing"
)

// events restored from the archive on startup
const seedLimit = 250

var logger leakwatch.Logger

func main() {
	// conf
	confDir, _ := os.UserConfigDir()
	conf, err := leakwatch.LoadConfig(path.Join(confDir, "leakwatch", "leakwatch.env"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	l, f, err := charmlog.OpenFile(conf.LogPath, charmlog.Options{Level: conf.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close() //nolint:errcheck
	logger = l
	logger.Info("loaded config", "config", conf)

	// tracing
	traceCfg := tracing.Config{ServiceName: "leakwatch"}
	if conf.Trace {
		tf, err := os.OpenFile(conf.LogPath+".trace", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Error("failed trace file open", "error", err)
			os.Exit(1)
		}
		defer tf.Close() //nolint:errcheck
		traceCfg.Writer = tf
	}
	shutdown, err := tracing.Init(context.Background(), traceCfg)
	if err != nil {
		logger.Error("failed tracing init", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	// archive
	opts := dashboardOptions{
		HTTPClient: tracing.NewHTTPClient(0),
		Logger:     logger,
	}
	if conf.DatabaseURL != "" {
		db, err := openArchive(conf, &opts)
		if err != nil {
			logger.Error("failed archive open", "error", err)
			os.Exit(1)
		}
		defer db.Close() //nolint:errcheck
	}

	// start program
	d, err := newDashboard(conf, opts)
	if err != nil {
		logger.Error("failed dashboard init", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(newModel(d, conf.System), tea.WithAltScreen(), tea.WithMouseCellMotion())
	d.Start(ctx, p.Send)
	if _, err := p.Run(); err != nil {
		logger.Error(err.Error())
	}
	d.Stop()
}

// openArchive opens and migrates the event archive and wires its recorder and
// seed into opts.
func openArchive(conf leakwatch.Config, opts *dashboardOptions) (*sqlite.DB, error) {
	db, err := sqlite.Open(conf.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("migrate: %w", err)
	}

	tx, dbGetter := txStdLib.NewTransactor(db.Conn(), txStdLib.NestedTransactionsSavepoints)
	events := sqlite.NewEventRepo(dbGetter, logger)
	sessions := sqlite.NewSyncSessionRepo(dbGetter, logger)
	resource := path.Join(conf.System, "event_log")

	timeout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pruned, err := eventlog.PruneSessions(timeout, resource, conf.SessionRetention, sessions)
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("prune sessions: %w", err)
	}
	logger.Debug("pruned sync sessions", "count", pruned, "retention", conf.SessionRetention)
	seed, err := eventlog.SeedFromArchive(timeout, resource, seedLimit, events, sessions)
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("seed: %w", err)
	}
	if seed != nil {
		logger.Info("restored event log from archive", "events", len(seed.Events), "cursor", seed.Cursor())
	}

	opts.Recorder = eventlog.NewRepoRecorder(resource, events, sessions, eventlog.WithTransactor(tx))
	opts.Seed = seed
	return db, nil
}
