package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/david/grant-tracker/internal/db"
)

func main() {
	_ = godotenv.Load()

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, dbURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	var orgs, sources, grants, stale, runs, openRuns int
	err = pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM organizations),
			(SELECT count(*) FROM grant_sources WHERE is_active),
			(SELECT count(*) FROM grants),
			(SELECT count(*) FROM grants WHERE is_stale),
			(SELECT count(*) FROM agent_runs),
			(SELECT count(*) FROM agent_runs WHERE finished_at IS NULL)
	`).Scan(&orgs, &sources, &grants, &stale, &runs, &openRuns)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	fmt.Printf("Organizations:       %d\n", orgs)
	fmt.Printf("Active sources:      %d\n", sources)
	fmt.Printf("Grants:              %d\n", grants)
	fmt.Printf("Stale grants:        %d\n", stale)
	fmt.Printf("Agent runs:          %d\n", runs)
	fmt.Printf("Runs still running:  %d\n", openRuns)
}
