// Package config loads the catalog binaries' settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jacentio/catalogstore/store"
)

// Config holds the loaded configuration.
type Config struct {
	ConnectionString string
	DatabaseName     string
	ContainerName    string
	AutoscaleMax     int64

	Store store.Config

	AppEnv              string
	Port                string
	EmbeddingDimensions int
}

// Load reads a .env file if one exists, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup. Only CONNECTION_STRING is required.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return fallback
	}

	cfg := Config{
		ConnectionString: get("CONNECTION_STRING", ""),
		DatabaseName:     get("DATABASE_NAME", "catalog"),
		ContainerName:    get("CONTAINER_NAME", "products"),
		Store:            store.DefaultConfig(),
		AppEnv:           get("APP_ENV", "development"),
		Port:             get("PORT", "8080"),
	}
	if cfg.ConnectionString == "" {
		return Config{}, fmt.Errorf("%w: CONNECTION_STRING is not set", store.ErrConfiguration)
	}

	var errs []error
	level, err := store.ParseConsistencyLevel(get("CONSISTENCY_LEVEL", string(store.Session)))
	if err != nil {
		errs = append(errs, fmt.Errorf("CONSISTENCY_LEVEL: %w", err))
	}
	cfg.Store.ConsistencyLevel = level

	if regions := get("PREFERRED_REGIONS", ""); regions != "" {
		cfg.Store.PreferredRegions = strings.Split(regions, ",")
	}

	cfg.Store.ConnectionTimeout, err = duration("CONNECTION_TIMEOUT", get("CONNECTION_TIMEOUT", "10s"))
	errs = append(errs, err)

	cfg.Store.MaxRetries, err = integer("MAX_RETRIES", get("MAX_RETRIES", "3"))
	errs = append(errs, err)

	cfg.Store.ScanSegments, err = integer("SCAN_SEGMENTS", get("SCAN_SEGMENTS", "1"))
	errs = append(errs, err)

	autoscale, err := integer("AUTOSCALE_MAX_THROUGHPUT", get("AUTOSCALE_MAX_THROUGHPUT", "1000"))
	errs = append(errs, err)
	cfg.AutoscaleMax = int64(autoscale)

	cfg.EmbeddingDimensions, err = integer("EMBEDDING_DIMENSIONS", get("EMBEDDING_DIMENSIONS", "0"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// duration accepts Go durations ("10s") and plain seconds ("10").
func duration(key, v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive duration, got %q", store.ErrConfiguration, key, v)
	}
	return d, nil
}

func integer(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer, got %q", store.ErrConfiguration, key, v)
	}
	return n, nil
}
