// Package config loads and validates the environment-variable configuration
// for both binaries, following the teacher's Config/Validate() pattern
// (cmd/tcplb's Config.Validate) rather than a general-purpose env-binding
// library: the variable set is small and fixed (see spec.md §6), so a
// struct with an explicit Validate method is clearer than tag-driven
// reflection.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

const (
	DefaultLeaseDuration    = 360_000 * time.Second
	DefaultSyncInterval     = 5 * time.Minute
	DefaultIdleSleep        = 10 * time.Second
	DefaultRetryInterval    = 5 * time.Second
	DefaultMaxClaimAttempts = 10
	DefaultUploadAttempts   = 3
	// DefaultProcessingHours mirrors the original client's check_timeout
	// default of "1" hour when PROCESSING_HOURS is unset.
	DefaultProcessingHours = time.Hour
)

// CoordinatorConfig is the environment-derived configuration for the
// coordinator binary.
type CoordinatorConfig struct {
	AudioDir string // AUDIO_DIR
	DBFile   string // DB_FILE
	LogDir   string // LOG_DIR

	ListenAddress string

	LeaseDuration    time.Duration
	SyncInterval     time.Duration
	MaxClaimAttempts int

	AuthEnabled bool   // AUTH_ENABLED
	Username    string // USERNAME
	Password    string // PASSWORD
}

// Validate checks that cfg is usable, matching the shape of the teacher's
// Config.Validate (cmd/tcplb/server.go).
func (c *CoordinatorConfig) Validate() error {
	if c.AudioDir == "" {
		return errors.New("AUDIO_DIR must be set")
	}
	if c.DBFile == "" {
		return errors.New("DB_FILE must be set")
	}
	if c.LeaseDuration <= 0 {
		return errors.New("lease duration must be positive")
	}
	if c.SyncInterval <= 0 {
		return errors.New("sync interval must be positive")
	}
	if c.MaxClaimAttempts <= 0 {
		return errors.New("max claim attempts must be positive")
	}
	if c.AuthEnabled && (c.Username == "" || c.Password == "") {
		return errors.New("AUTH_ENABLED requires USERNAME and PASSWORD")
	}
	return nil
}

// CoordinatorConfigFromEnv reads a CoordinatorConfig from the process
// environment, applying the defaults described in spec.md §6 and §9.
func CoordinatorConfigFromEnv() (*CoordinatorConfig, error) {
	cfg := &CoordinatorConfig{
		AudioDir:         os.Getenv("AUDIO_DIR"),
		DBFile:           envOr("DB_FILE", "tasks.db"),
		LogDir:           envOr("LOG_DIR", "logs"),
		ListenAddress:    envOr("LISTEN_ADDRESS", "0.0.0.0:8080"),
		LeaseDuration:    DefaultLeaseDuration,
		SyncInterval:     DefaultSyncInterval,
		MaxClaimAttempts: DefaultMaxClaimAttempts,
		AuthEnabled:      envBool("AUTH_ENABLED"),
		Username:         os.Getenv("USERNAME"),
		Password:         os.Getenv("PASSWORD"),
	}
	if v := os.Getenv("LEASE_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("LEASE_SECONDS must be an integer")
		}
		cfg.LeaseDuration = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("SYNC_INTERVAL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("SYNC_INTERVAL_SECONDS must be an integer")
		}
		cfg.SyncInterval = time.Duration(secs) * time.Second
	}
	return cfg, nil
}

// WorkerConfig is the environment-derived configuration for the worker
// binary.
type WorkerConfig struct {
	ServerURL string // SERVER_URL

	AuthEnabled bool   // AUTH_ENABLED
	Username    string // USERNAME
	Password    string // PASSWORD

	Cron            string        // CRON
	ProcessingHours time.Duration // PROCESSING_HOURS

	VADEnabled bool   // VAD_ENABLED
	VADModel   string // VAD_MODEL

	NodeName  string // NODE_NAME
	GotifyURL string // GOTIFY_URL
	GotifyKey string // GOTIFY_KEY

	ScratchDir string

	IdleSleep      time.Duration
	UploadAttempts int
	RetryInterval  time.Duration
}

func (c *WorkerConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("SERVER_URL must be set")
	}
	if c.AuthEnabled && (c.Username == "" || c.Password == "") {
		return errors.New("AUTH_ENABLED requires USERNAME and PASSWORD")
	}
	if c.VADEnabled && c.VADModel == "" {
		return errors.New("VAD_ENABLED requires VAD_MODEL")
	}
	if c.UploadAttempts <= 0 {
		return errors.New("upload attempts must be positive")
	}
	return nil
}

// WorkerConfigFromEnv reads a WorkerConfig from the process environment.
func WorkerConfigFromEnv() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		ServerURL:       os.Getenv("SERVER_URL"),
		AuthEnabled:     envBool("AUTH_ENABLED"),
		Username:        os.Getenv("USERNAME"),
		Password:        os.Getenv("PASSWORD"),
		Cron:            os.Getenv("CRON"),
		VADEnabled:      envBool("VAD_ENABLED"),
		VADModel:        os.Getenv("VAD_MODEL"),
		NodeName:        os.Getenv("NODE_NAME"),
		GotifyURL:       os.Getenv("GOTIFY_URL"),
		GotifyKey:       os.Getenv("GOTIFY_KEY"),
		ScratchDir:      envOr("SCRATCH_DIR", "scratch"),
		IdleSleep:       DefaultIdleSleep,
		UploadAttempts:  DefaultUploadAttempts,
		RetryInterval:   DefaultRetryInterval,
		ProcessingHours: DefaultProcessingHours,
	}
	if v := os.Getenv("PROCESSING_HOURS"); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.New("PROCESSING_HOURS must be numeric")
		}
		cfg.ProcessingHours = time.Duration(hours * float64(time.Hour))
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := os.Getenv(key)
	b, _ := strconv.ParseBool(v)
	return b
}
