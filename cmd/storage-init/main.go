// Command storage-init creates the tables and queue used by the aztables backend.
package main

import (
	"context"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"taskboard/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	ctx := context.Background()

	if err := storage.EnsureTables(ctx, connStr,
		envOr("TASKS_TABLE", "Tasks"),
		envOr("USERS_TABLE", "Users"),
		envOr("SESSIONS_TABLE", "Sessions"),
	); err != nil {
		log.Fatalf("create tables: %v", err)
	}

	if err := storage.EnsureQueues(ctx, connStr, os.Getenv("EVENTS_QUEUE")); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	log.Info("storage init complete")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
