package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"aisiem/config"
	"aisiem/internal/logger"
)

const defaultConfigName = "aisiem.yml"

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, defaultConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return defaultConfigName
}

// loadConfig reads the config file, falling back to defaults when none exists.
func loadConfig(configArg string) (*config.Config, string, error) {
	path := findConfigFile(configArg)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, path, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = &config.Config{}
		path = ""
	}
	config.ApplyDefaults(cfg)
	return cfg, path, nil
}

func initLogging(cfg *config.Config) error {
	return logger.Init(logger.Options{
		Enabled: cfg.AISIEM.Logging.Enabled,
		Level:   cfg.AISIEM.Logging.Level,
		File:    cfg.AISIEM.Logging.File,
		Console: cfg.AISIEM.Logging.Console,
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: aisiem [command] [flags]

commands:
  run [config]   ingest raw records, correlate detections and serve the API (default)
  normalize      normalize queued records from a file or stdin and print events
  incidents      print incidents from the configured store
`)
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runService(os.Args[2:])
			return
		case "normalize":
			os.Exit(runNormalize(os.Args[2:]))
		case "incidents":
			os.Exit(runIncidents(os.Args[2:]))
		case "-h", "-help", "--help", "help":
			usage()
			return
		default:
			// First arg is a config path.
			runService(os.Args[1:])
			return
		}
	}

	runService(nil)
}
