package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nvake/sesh/internal/backend"
	"github.com/nvake/sesh/internal/config"
	"github.com/nvake/sesh/internal/manager"
	"github.com/nvake/sesh/internal/storage"
)

// app bundles the wired engine every command runs against. Tests swap
// newApp to point commands at a stub backend and a scratch store.
type app struct {
	cfg   config.Config
	store *storage.Store
	mgr   *manager.Manager
}

var newApp = func() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log.Level)

	client := backend.NewClient(config.NewCredentialSource(),
		backend.WithTimeout(time.Duration(cfg.Backend.TimeoutSeconds)*time.Second))

	// Async open keeps startup instant; commands that need the store
	// wait for it, everything else degrades to backend-only.
	store := storage.OpenAsync(cfg.Storage.DataDir)

	mgr := manager.New(manager.BackendRemote(client), store, manager.Options{
		UserID:        cfg.Backend.UserID,
		MaxSessions:   cfg.Cache.MaxSessions,
		EvictionSlack: cfg.Cache.EvictionSlack,
		HistoryLimit:  cfg.Cache.HistoryLimit,
		StaleAfter:    time.Duration(cfg.Cache.StaleAfterDays) * 24 * time.Hour,
		Retention:     time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour,
	})

	return &app{cfg: cfg, store: store, mgr: mgr}, nil
}

func (a *app) Close() {
	a.mgr.Close()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

// The active session persists across invocations as a file in the data
// directory, so 'sesh send' picks up where 'sesh use' left off.

func activeSessionPath(dataDir string) string {
	return filepath.Join(dataDir, "active_session")
}

func readActiveSession(dataDir string) string {
	data, err := os.ReadFile(activeSessionPath(dataDir))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeActiveSession(dataDir, id string) error {
	path := activeSessionPath(dataDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(id+"\n"), 0o644)
}

func clearActiveSession(dataDir string) {
	os.Remove(activeSessionPath(dataDir))
}

// resolveSession picks the session a command operates on: an explicit
// flag value wins, then the persisted active session.
func (a *app) resolveSession(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if id := readActiveSession(a.cfg.Storage.DataDir); id != "" {
		return id, nil
	}
	return "", errors.New("no active session: run 'sesh use <id>' or pass --session")
}
