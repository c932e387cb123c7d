// Command scraperd wires the concurrent scraping engine (event bus,
// failure classifier, retry executor, result collector, scheduler,
// workflow executor, job runner) behind the HTTP job-control surface of
// spec.md §6. A real browser automation driver is an external
// collaborator per spec.md §1 and is not implemented here; Runner is
// built with a nil PageFactory until one is plugged in, so /scrape
// accepts jobs but every task fails with "no page factory configured"
// until that wiring is added.
package main

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/brightfield-labs/scraperd/internal/classifier"
	"github.com/brightfield-labs/scraperd/internal/events"
	"github.com/brightfield-labs/scraperd/internal/httpapi"
	"github.com/brightfield-labs/scraperd/internal/jobrunner"
	"github.com/brightfield-labs/scraperd/internal/platform/config"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
	"github.com/brightfield-labs/scraperd/internal/store"
	"github.com/brightfield-labs/scraperd/internal/workflow"
)

func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.Load(log)

	bus := events.New(events.Options{
		GlobalCapacity: cfg.EventBusGlobalCapacity,
		PerJobCapacity: cfg.EventBusPerJobCapacity,
		MaxJobs:        cfg.EventBusMaxJobs,
		LogPath:        cfg.EventLogPath,
	}, log)
	defer bus.Close()

	dsn := config.GetEnv("DATABASE_URL", "", log)
	if dsn == "" {
		log.Fatal("DATABASE_URL is required to run scraperd")
	}
	pgStore, err := store.Open(dsn, log)
	if err != nil {
		log.Fatal("failed to open config store", "error", err)
	}

	if redisAddr := config.GetEnv("REDIS_ADDR", "", log); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		publisher := store.NewRedisPublisher(client, log)
		bus.Subscribe(publisher.Publish)
	}

	cls := classifier.New()
	registry := workflow.NewRegistry()

	runner := jobrunner.New(cfg, bus, cls, pgStore, registry, nil, nil, log)

	server := httpapi.NewServer(runner, bus, log)
	log.Info("scraperd listening", "port", cfg.APIPort)
	if err := server.Run(":" + cfg.APIPort); err != nil {
		log.Fatal("http server exited", "error", err)
	}
}
