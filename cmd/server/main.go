package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/georgeshao/farmcast/internal/api"
	"github.com/georgeshao/farmcast/internal/predictor"
	"github.com/georgeshao/farmcast/internal/runner"
	"github.com/georgeshao/farmcast/internal/storage"
	"github.com/georgeshao/farmcast/internal/storage/pebbledb"
	"github.com/georgeshao/farmcast/internal/storage/sqlite"
	"github.com/georgeshao/farmcast/internal/training"
	"github.com/georgeshao/farmcast/pkg/types"
)

const (
	DefaultPort           = ":5000"
	DefaultStorageBackend = "sqlite"
	DefaultStoragePath    = "./data/farmcast.db"
)

func main() {
	port := getEnv("PORT", DefaultPort)
	if port[0] != ':' {
		port = ":" + port
	}

	// Initialize storage
	store, err := openStore(
		getEnv("STORAGE_BACKEND", DefaultStorageBackend),
		getEnv("STORAGE_PATH", DefaultStoragePath),
		getEnvBool("PEBBLE_BATCH", false),
	)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Initialize model runner
	runnerConfig := runner.DefaultConfig()
	runnerConfig.MLDir = getEnv("ML_DIR", runnerConfig.MLDir)
	runnerConfig.Python = getEnv("PYTHON", "")
	runnerConfig.MaxProcesses = getEnvInt("MAX_PROCESSES", runnerConfig.MaxProcesses)
	runnerConfig.PredictionsPerSecond = getEnvFloat("PREDICTIONS_PER_SECOND", runnerConfig.PredictionsPerSecond)
	runnerConfig.ProcessTimeout = time.Duration(getEnvInt("PROCESS_TIMEOUT", 0)) * time.Second
	r := runner.New(runnerConfig)

	guard := training.NewGuard(r, store)

	predictorConfig := predictor.DefaultConfig()
	predictorConfig.MLDir = runnerConfig.MLDir
	autoTrain, err := parseKinds(getEnv("AUTO_TRAIN", string(types.KindSoilHealth)))
	if err != nil {
		log.Fatalf("Invalid AUTO_TRAIN: %v", err)
	}
	predictorConfig.AutoTrain = autoTrain
	p := predictor.NewService(r, guard, store, predictorConfig)

	log.Printf("Using interpreter %s with scripts in %s", r.Config().Python, runnerConfig.MLDir)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // lazy training can hold a predict request
		IdleTimeout:  120 * time.Second,
		BodyLimit:    6 * 1024 * 1024, // leaf images up to 5MB
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	// Setup routes
	api.SetupRoutes(app, store, p, guard)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	// Start server
	log.Printf("Starting farmcast server on %s", port)
	if err := app.Listen(port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func openStore(backend, path string, batch bool) (storage.Store, error) {
	switch strings.ToLower(backend) {
	case "sqlite":
		return sqlite.New(path)
	case "pebble":
		return pebbledb.New(path, batch)
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}

func parseKinds(s string) ([]types.ModelKind, error) {
	var kinds []types.ModelKind
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kind, err := types.ParseModelKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Invalid %s=%q, using %v", key, value, defaultValue)
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Invalid %s=%q, using %v", key, value, defaultValue)
		return defaultValue
	}
	return b
}
