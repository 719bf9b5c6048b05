package main

import (
	"context"
	"encoding/json"
	"flag"
	"io/fs"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	sentry "github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/mreid/piiremover-private/src/backend/config"
	"github.com/mreid/piiremover-private/src/backend/pii"
	detectors "github.com/mreid/piiremover-private/src/backend/pii/detectors"
	"github.com/mreid/piiremover-private/src/backend/pii/store"
	"github.com/mreid/piiremover-private/src/backend/server"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file from current directory")
	}

	cfg := config.DefaultConfig()

	configPath := flag.String("config", "", "Path to JSON config file")
	flag.Parse()

	if *configPath != "" {
		loadConfigFromFile(*configPath, cfg)
	}
	loadConfigFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			AttachStacktrace: true,
		}); err != nil {
			log.Printf("Warning: Sentry initialization failed: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		log.Fatalf("Failed to create data directory %s: %v", cfg.DataDir, err)
	}

	mappings, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize mapping store: %v", err)
	}

	detector := buildDetector(cfg)

	refiner, err := pii.NewRefiner(pii.RefinerConfig{
		Threshold:      cfg.DefaultThreshold,
		CustomNames:    pii.LoadWordList(cfg.CustomNamesPath()),
		IgnoreList:     pii.LoadWordList(cfg.IgnoreListPath()),
		PersonMergeGap: cfg.PersonMergeGap,
	})
	if err != nil {
		log.Fatalf("Failed to build refiner: %v", err)
	}

	service := pii.NewService(pii.StaticProvider{Detector: detector}, refiner, mappings, cfg.Language)
	defer func() {
		if err := service.Close(); err != nil {
			log.Printf("Failed to close service: %v", err)
		}
	}()

	uiFS, err := fs.Sub(uiFiles, "ui")
	if err != nil {
		log.Fatalf("Failed to create UI sub-filesystem: %v", err)
	}

	printBanner(cfg, detector.GetName())

	srv := server.NewServer(cfg, service, uiFS)
	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// buildStore selects the mapping store backend.
func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return store.NewSQLiteStore(context.Background(), cfg.StorePath())
	case "postgres":
		return store.NewPostgresStore(context.Background(), store.PostgresConfig{
			Host:         cfg.Store.Host,
			Port:         cfg.Store.Port,
			Database:     cfg.Store.Database,
			Username:     cfg.Store.Username,
			Password:     cfg.Store.Password,
			SSLMode:      cfg.Store.SSLMode,
			MaxOpenConns: cfg.Store.MaxOpenConns,
			MaxIdleConns: cfg.Store.MaxIdleConns,
			MaxLifetime:  cfg.Store.MaxLifetime,
		})
	default:
		return store.NewFileStore(cfg.StorePath())
	}
}

// buildDetector creates the configured detector, falling back to the
// pattern detector when the ONNX model cannot be loaded so the service
// still starts without model files on disk.
func buildDetector(cfg *config.Config) detectors.Detector {
	if cfg.Detector.Name == detectors.DetectorNameONNX {
		d, err := detectors.NewONNXModelDetector(
			cfg.Detector.ONNXModelPath,
			cfg.Detector.TokenizerPath,
			cfg.Detector.LabelMapPath,
		)
		if err == nil {
			log.Println("Using ONNX model detector")
			return d
		}
		log.Printf("Warning: ONNX detector unavailable (%v), falling back to regex detector", err)
	}
	return detectors.NewRegexDetector()
}

func printBanner(cfg *config.Config, detectorName string) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	_, _ = cyan.Println("PII Remover")
	_, _ = green.Printf("  detector:  %s\n", detectorName)
	_, _ = green.Printf("  store:     %s\n", cfg.Store.Backend)
	_, _ = green.Printf("  data dir:  %s\n", cfg.DataDir)
	_, _ = green.Printf("  listening: http://localhost%s\n", cfg.Server.Port)
}

// loadConfigFromFile loads configuration from a JSON file
func loadConfigFromFile(path string, cfg *config.Config) {
	// #nosec G304 - Config file path is controlled by application, not user input
	file, err := os.Open(path)
	if err != nil {
		log.Printf("Failed to open config file: %v", err)
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("Failed to close config file: %v", err)
		}
	}()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		log.Printf("Failed to decode config file: %v", err)
	}
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(cfg *config.Config) {
	if port := os.Getenv("PII_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if dataDir := os.Getenv("PII_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if lang := os.Getenv("PII_LANGUAGE"); lang != "" {
		cfg.Language = lang
	}
	if threshold := os.Getenv("PII_THRESHOLD"); threshold != "" {
		if t, err := strconv.ParseFloat(threshold, 64); err == nil {
			cfg.DefaultThreshold = t
		}
	}
	if name := os.Getenv("PII_DETECTOR"); name != "" {
		cfg.Detector.Name = name
	}
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		cfg.SentryDSN = dsn
	}

	loadStoreConfigFromEnv(cfg)
}

func loadStoreConfigFromEnv(cfg *config.Config) {
	if backend := os.Getenv("PII_STORE_BACKEND"); backend != "" {
		cfg.Store.Backend = backend
	}
	if path := os.Getenv("PII_STORE_PATH"); path != "" {
		cfg.Store.Path = path
	}
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Store.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Store.Port = p
		}
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Store.Database = name
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.Store.Username = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Store.Password = password
	}
	if sslMode := os.Getenv("DB_SSL_MODE"); sslMode != "" {
		cfg.Store.SSLMode = sslMode
	}
}
