// Package app wires the workspace resources the CLI and server share: the
// SQLite store, the YAML config, the callback scheduler, and the engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"voltgrid/internal/config"
	"voltgrid/internal/db"
	"voltgrid/internal/engine"
	"voltgrid/internal/migrate"
	"voltgrid/internal/repo"
	"voltgrid/internal/scheduler"
	"voltgrid/internal/server"
)

// App is a fully wired voltgrid instance bound to one workspace.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Repo   repo.Repo
	Engine *engine.Engine
	Sched  *scheduler.Scheduler
}

// Open prepares the workspace, opens and migrates the database, loads
// voltgrid.yml (falling back to defaults when absent), and builds the engine
// with a real-time scheduler and HTTP callback delivery. Reserved blocks
// orphaned by a crash before their order committed are released.
func Open(workspace string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sched := scheduler.New()
	callbacks := server.NewCallbackClient(cfg.CallbackTimeout())
	e := engine.New(conn, cfg, sched, callbacks)
	freed, err := e.Ledger.ReleaseOrphanedReservations(context.Background())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("release orphaned reservations: %w", err)
	}
	if freed > 0 {
		log.Printf("released %d orphaned reserved blocks", freed)
	}
	return &App{
		DB:     conn,
		Config: cfg,
		Repo:   e.Repo,
		Engine: e,
		Sched:  sched,
	}, nil
}

// Close waits for in-flight scheduled callbacks, then closes the database.
func (a *App) Close() error {
	if a.Sched != nil {
		a.Sched.Wait()
	}
	return a.DB.Close()
}
