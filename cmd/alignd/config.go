package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/goliatone/go-alignment/core"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ALIGNMENT_"

// loadConfig layers defaults, the YAML file and ALIGNMENT_* environment
// variables, in increasing precedence.
func loadConfig(ctx context.Context, path string, dotenv string) (core.Config, error) {
	if err := loadDotenv(dotenv); err != nil {
		return core.Config{}, err
	}
	values, err := readYAML(path)
	if err != nil {
		return core.Config{}, err
	}
	runtime, err := configFromEnv(os.LookupEnv)
	if err != nil {
		return core.Config{}, err
	}
	return core.LoadConfig(ctx,
		core.NewCfgxConfigProvider(core.StaticRawConfigLoader{Values: values}),
		core.GoOptionsResolver{},
		runtime,
	)
}

func loadDotenv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readYAML(path string) (map[string]any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return map[string]any{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	values := map[string]any{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return values, nil
}

type lookupFunc func(key string) (string, bool)

// configFromEnv returns a sparse Config: only variables that are set end up
// non-zero, so the options resolver keeps lower layers for the rest.
func configFromEnv(lookup lookupFunc) (core.Config, error) {
	var cfg core.Config
	str := func(name string, target *string) {
		if value, ok := lookup(envPrefix + name); ok {
			*target = strings.TrimSpace(value)
		}
	}
	var parseErr error
	integer := func(name string, target *int) {
		value, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			parseErr = errors.Join(parseErr, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			return
		}
		*target = parsed
	}

	str("SERVICE_NAME", &cfg.ServiceName)
	str("DATABASE_DRIVER", &cfg.Database.Driver)
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)
	str("INGEST_APP_KEY", &cfg.Ingest.AppKey)
	str("INGEST_PII_KEY", &cfg.Ingest.PIIKey)
	integer("SCHEDULER_WORKERS", &cfg.Scheduler.Workers)
	str("ANALYSIS_BASE_URL", &cfg.Analysis.BaseURL)
	str("ANALYSIS_API_KEY", &cfg.Analysis.APIKey)
	str("PAGEFETCH_RENDER_URL", &cfg.PageFetch.RenderURL)
	return cfg, parseErr
}
