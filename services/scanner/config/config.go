// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads scanner configuration and event files.
//
// Configuration is resolved with priority env > file > defaults. Files may
// be YAML or JSON. Every value is checked before a scan starts; a bad
// value is a configuration error and no work is issued.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/skyscan/pkg/logging"
	"github.com/AleutianAI/skyscan/services/scanner/collect"
	"github.com/AleutianAI/skyscan/services/scanner/dispatch"
	"github.com/AleutianAI/skyscan/services/scanner/oracle"
	"github.com/AleutianAI/skyscan/services/scanner/pixel"
	"github.com/AleutianAI/skyscan/services/scanner/planner"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
	"github.com/AleutianAI/skyscan/services/scanner/storage/badger"
	"github.com/AleutianAI/skyscan/services/scanner/telemetry"
	"github.com/AleutianAI/skyscan/services/scanner/transport"
	"github.com/AleutianAI/skyscan/services/scanner/worker"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Transport kinds.
const (
	TransportMemory    = "memory"
	TransportJetStream = "jetstream"
)

// Oracle kinds.
const (
	OracleSynthetic = "synthetic"
	OracleHTTP      = "http"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("nside", validateNSide)
}

// validateNSide accepts powers of two in the supported range.
func validateNSide(fl validator.FieldLevel) bool {
	return pixel.ValidateNSide(uint32(fl.Field().Uint())) == nil
}

// Config is the full scanner configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	Scan      ScanConfig       `json:"scan" yaml:"scan"`
	Transport TransportConfig  `json:"transport" yaml:"transport"`
	Storage   StorageConfig    `json:"storage" yaml:"storage"`
	Worker    WorkerConfig     `json:"worker" yaml:"worker"`
	Server    ServerConfig     `json:"server" yaml:"server"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
	Log       LogConfig        `json:"log" yaml:"log"`
}

// ScanConfig controls the planner, dispatcher and collector.
type ScanConfig struct {
	BaseNSide  uint32  `json:"base_nside" yaml:"base_nside" validate:"nside"`
	MaxNSide   uint32  `json:"max_nside" yaml:"max_nside" validate:"nside,gtefield=BaseNSide"`
	Threshold  float64 `json:"threshold" yaml:"threshold" validate:"gt=0"`
	BestPixels int     `json:"best_pixels" yaml:"best_pixels" validate:"gte=0"`

	VariationDistance float64 `json:"variation_distance_m" yaml:"variation_distance_m" validate:"gte=0"`

	// InFlightCeiling caps outstanding tasks. 0 derives it from
	// worker.pool_size × overcommit.
	InFlightCeiling int `json:"in_flight_ceiling" yaml:"in_flight_ceiling" validate:"gte=0"`
	Overcommit      int `json:"overcommit" yaml:"overcommit" validate:"gte=1"`

	RoundInterval  time.Duration `json:"round_interval" yaml:"round_interval" validate:"gte=0"`
	IdleWait       time.Duration `json:"idle_wait" yaml:"idle_wait" validate:"gt=0"`
	ResultsTimeout time.Duration `json:"results_timeout" yaml:"results_timeout" validate:"gte=0"`

	// ProgressInterval is the period of progress snapshots.
	ProgressInterval time.Duration `json:"progress_interval" yaml:"progress_interval" validate:"gt=0"`
}

// TransportConfig selects and tunes the message broker.
type TransportConfig struct {
	Kind          string        `json:"kind" yaml:"kind" validate:"oneof=memory jetstream"`
	NATSURL       string        `json:"nats_url" yaml:"nats_url" validate:"required_if=Kind jetstream"`
	Stream        string        `json:"stream" yaml:"stream"`
	ZombieTimeout time.Duration `json:"zombie_timeout" yaml:"zombie_timeout" validate:"gt=0"`
	MaxDeliver    int           `json:"max_deliver" yaml:"max_deliver" validate:"gte=0"`
	FetchWait     time.Duration `json:"fetch_wait" yaml:"fetch_wait" validate:"gte=0"`
}

// StorageConfig locates the durable result store.
type StorageConfig struct {
	Path           string        `json:"path" yaml:"path" validate:"required_unless=InMemory true"`
	InMemory       bool          `json:"in_memory" yaml:"in_memory"`
	SyncWrites     bool          `json:"sync_writes" yaml:"sync_writes"`
	GCInterval     time.Duration `json:"gc_interval" yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `json:"gc_discard_ratio" yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// WorkerConfig configures workers, local or remote.
type WorkerConfig struct {
	// PoolSize is the number of workers. For `scan` these run in-process;
	// 0 means only remote workers serve the scan.
	PoolSize          int           `json:"pool_size" yaml:"pool_size" validate:"gte=0"`
	Oracle            string        `json:"oracle" yaml:"oracle" validate:"oneof=synthetic http"`
	OracleURL         string        `json:"oracle_url" yaml:"oracle_url" validate:"required_if=Oracle http,omitempty,url"`
	OracleTimeout     time.Duration `json:"oracle_timeout" yaml:"oracle_timeout" validate:"gt=0"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gt=0"`
}

// ServerConfig configures the progress HTTP server.
type ServerConfig struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `json:"addr" yaml:"addr"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `json:"dir" yaml:"dir"`
	JSON  bool   `json:"json" yaml:"json"`
	Quiet bool   `json:"quiet" yaml:"quiet"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Scan: ScanConfig{
			BaseNSide:         8,
			MaxNSide:          128,
			Threshold:         planner.DefaultThreshold,
			VariationDistance: dispatch.DefaultVariationDistance,
			Overcommit:        2,
			RoundInterval:     100 * time.Millisecond,
			IdleWait:          5 * time.Second,
			ResultsTimeout:    30 * time.Minute,
			ProgressInterval:  30 * time.Second,
		},
		Transport: TransportConfig{
			Kind:          TransportMemory,
			NATSURL:       transport.DefaultJetStreamConfig().URL,
			Stream:        transport.DefaultJetStreamConfig().Stream,
			ZombieTimeout: transport.DefaultOptions().AckWait,
			FetchWait:     5 * time.Second,
		},
		Storage: StorageConfig{
			Path:           "./skyscan-data",
			SyncWrites:     true,
			GCInterval:     10 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Worker: WorkerConfig{
			PoolSize:          4,
			Oracle:            OracleSynthetic,
			OracleTimeout:     10 * time.Minute,
			HeartbeatInterval: time.Minute,
		},
		Server:    ServerConfig{Addr: ":8087"},
		Telemetry: telemetry.DefaultConfig(),
		Log:       LogConfig{Level: "info"},
	}
}

// Load resolves configuration with priority env > file > defaults.
//
// Inputs:
//
//	path - YAML or JSON file. Empty or missing means defaults only.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Non-nil if the file is unreadable or the result is invalid.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return decode(path, data, cfg)
}

// decode parses YAML, or JSON for .json files.
func decode(path string, data []byte, out any) error {
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse %s as JSON: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s as YAML: %w", path, err)
	}
	return nil
}

// loadEnv applies SKYSCAN_* overrides. A set but unparsable value is an
// error rather than silently ignored.
func loadEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = i
		}
	}
	nside := func(key string, dst *uint32) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = uint32(n)
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	// Scan
	nside("SKYSCAN_BASE_NSIDE", &cfg.Scan.BaseNSide)
	nside("SKYSCAN_MAX_NSIDE", &cfg.Scan.MaxNSide)
	float("SKYSCAN_THRESHOLD", &cfg.Scan.Threshold)
	integer("SKYSCAN_BEST_PIXELS", &cfg.Scan.BestPixels)
	float("SKYSCAN_VARIATION_DISTANCE_M", &cfg.Scan.VariationDistance)
	integer("SKYSCAN_IN_FLIGHT_CEILING", &cfg.Scan.InFlightCeiling)
	integer("SKYSCAN_OVERCOMMIT", &cfg.Scan.Overcommit)
	duration("SKYSCAN_ROUND_INTERVAL", &cfg.Scan.RoundInterval)
	duration("SKYSCAN_IDLE_WAIT", &cfg.Scan.IdleWait)
	duration("SKYSCAN_RESULTS_TIMEOUT", &cfg.Scan.ResultsTimeout)
	duration("SKYSCAN_PROGRESS_INTERVAL", &cfg.Scan.ProgressInterval)

	// Transport
	str("SKYSCAN_TRANSPORT", &cfg.Transport.Kind)
	str("SKYSCAN_NATS_URL", &cfg.Transport.NATSURL)
	str("SKYSCAN_STREAM", &cfg.Transport.Stream)
	duration("SKYSCAN_ZOMBIE_TIMEOUT", &cfg.Transport.ZombieTimeout)
	integer("SKYSCAN_MAX_DELIVER", &cfg.Transport.MaxDeliver)

	// Storage
	str("SKYSCAN_STORAGE_PATH", &cfg.Storage.Path)
	boolean("SKYSCAN_STORAGE_IN_MEMORY", &cfg.Storage.InMemory)
	boolean("SKYSCAN_STORAGE_SYNC_WRITES", &cfg.Storage.SyncWrites)

	// Worker
	integer("SKYSCAN_POOL_SIZE", &cfg.Worker.PoolSize)
	str("SKYSCAN_ORACLE", &cfg.Worker.Oracle)
	str("SKYSCAN_ORACLE_URL", &cfg.Worker.OracleURL)
	duration("SKYSCAN_ORACLE_TIMEOUT", &cfg.Worker.OracleTimeout)

	// Server, log
	str("SKYSCAN_SERVER_ADDR", &cfg.Server.Addr)
	str("SKYSCAN_LOG_LEVEL", &cfg.Log.Level)
	str("SKYSCAN_LOG_DIR", &cfg.Log.Dir)
	boolean("SKYSCAN_LOG_JSON", &cfg.Log.JSON)

	if len(errs) > 0 {
		return fmt.Errorf("%w: environment: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate runs struct-tag validation and the cross-field checks.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Planner().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Dispatch().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Worker.HeartbeatInterval >= c.Transport.ZombieTimeout {
		return fmt.Errorf("%w: worker.heartbeat_interval %s must be below transport.zombie_timeout %s",
			ErrInvalidConfig, c.Worker.HeartbeatInterval, c.Transport.ZombieTimeout)
	}
	return nil
}

// Planner returns the planner configuration.
func (c Config) Planner() planner.Config {
	return planner.Config{
		BaseNSide:  c.Scan.BaseNSide,
		MaxNSide:   c.Scan.MaxNSide,
		Threshold:  c.Scan.Threshold,
		BestPixels: c.Scan.BestPixels,
	}
}

// InFlightCeiling returns the configured ceiling, or pool size ×
// overcommit rounded up to one pixel.
func (c Config) InFlightCeiling() int {
	if c.Scan.InFlightCeiling > 0 {
		return c.Scan.InFlightCeiling
	}
	pool := c.Worker.PoolSize
	if pool < 1 {
		pool = 1
	}
	ceiling := pool * c.Scan.Overcommit
	if ceiling < skymap.NumVariations {
		ceiling = skymap.NumVariations
	}
	return ceiling
}

// Dispatch returns the dispatcher configuration.
func (c Config) Dispatch() dispatch.Config {
	return dispatch.Config{
		InFlightCeiling:   c.InFlightCeiling(),
		VariationDistance: c.Scan.VariationDistance,
		RoundInterval:     c.Scan.RoundInterval,
		IdleWait:          c.Scan.IdleWait,
	}
}

// Collect returns the collector configuration.
func (c Config) Collect() collect.Config {
	return collect.Config{ResultsTimeout: c.Scan.ResultsTimeout}
}

// TransportOptions returns the delivery options shared by all brokers.
func (c Config) TransportOptions() transport.Options {
	return transport.Options{
		AckWait:    c.Transport.ZombieTimeout,
		MaxDeliver: c.Transport.MaxDeliver,
	}
}

// JetStream returns the JetStream broker configuration.
func (c Config) JetStream() transport.JetStreamConfig {
	js := transport.DefaultJetStreamConfig()
	js.URL = c.Transport.NATSURL
	if c.Transport.Stream != "" {
		js.Stream = c.Transport.Stream
	}
	if c.Transport.FetchWait > 0 {
		js.FetchWait = c.Transport.FetchWait
	}
	js.Options = c.TransportOptions()
	return js
}

// Badger returns the pixel database configuration.
func (c Config) Badger() badger.Config {
	return badger.Config{
		Path:           c.Storage.Path,
		InMemory:       c.Storage.InMemory,
		SyncWrites:     c.Storage.SyncWrites,
		GCInterval:     c.Storage.GCInterval,
		GCDiscardRatio: c.Storage.GCDiscardRatio,
	}
}

// WorkerSettings returns the per-worker configuration.
func (c Config) WorkerSettings() worker.Config {
	return worker.Config{HeartbeatInterval: c.Worker.HeartbeatInterval}
}

// Oracle builds the configured reconstruction oracle.
func (c Config) Oracle(logger *slog.Logger) (oracle.Reconstructor, error) {
	switch c.Worker.Oracle {
	case OracleHTTP:
		return oracle.NewHTTPClient(c.Worker.OracleURL, c.Worker.OracleTimeout, logger)
	case OracleSynthetic, "":
		return oracle.DefaultSynthetic(), nil
	default:
		return nil, fmt.Errorf("%w: unknown oracle %q", ErrInvalidConfig, c.Worker.Oracle)
	}
}

// Logging returns the pkg/logging configuration for a service.
func (c Config) Logging(service string) logging.Config {
	level, ok := logging.ParseLevel(c.Log.Level)
	if !ok {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Log.Dir,
		Service: service,
		JSON:    c.Log.JSON,
		Quiet:   c.Log.Quiet,
	}
}
