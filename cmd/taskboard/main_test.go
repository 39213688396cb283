package main

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/config"
	"taskboard/storage"
)

func TestOpenStoreSQLite(t *testing.T) {
	cfg := config.Config{Backend: config.BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "board.db")}
	store, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer closeStore()

	if _, ok := store.(*storage.SQLStore); !ok {
		t.Fatalf("expected *storage.SQLStore, got %T", store)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestSetupLogging(t *testing.T) {
	prevLevel, prevFormatter := log.GetLevel(), log.StandardLogger().Formatter
	t.Cleanup(func() {
		log.SetLevel(prevLevel)
		log.SetFormatter(prevFormatter)
	})

	setupLogging(config.Config{Debug: true, LogFormat: "json"})
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %v", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", log.StandardLogger().Formatter)
	}
}

func TestSweepSessionsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		sweepSessions(ctx, func(context.Context, time.Time) (int64, error) {
			calls.Add(1)
			return 0, errors.New("unused")
		})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	if calls.Load() != 0 {
		t.Fatalf("sweep ran before the first tick")
	}
}
