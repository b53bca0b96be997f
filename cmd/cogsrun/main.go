package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"fifoengine/internal/adapters/cli"
	"fifoengine/internal/cogs"
	"fifoengine/internal/cogsapp"
	"fifoengine/internal/cogspg"
	"fifoengine/internal/db"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	cfg := cogs.DefaultConfig()
	if path := os.Getenv("COGS_CONFIG_FILE"); path != "" {
		cfg, err = cogs.LoadConfigFile(path)
		if err != nil {
			log.Fatalf("Failed to load config file %s: %v", path, err)
		}
	}

	store := cogspg.NewStore(pool)
	coordinator := cogs.NewCoordinator(store, cfg)
	svc := cogsapp.NewService(coordinator, store)

	if len(os.Args) < 2 {
		log.Fatal("Usage: cogsrun <run|get-run|list-runs|rollback|attributions|summaries|inventory|errors> ...")
	}
	cli.Run(ctx, svc, os.Args[1:])
}
