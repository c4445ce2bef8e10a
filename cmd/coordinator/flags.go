package main

import (
	"flag"

	"github.com/dinccey/distributed-batch-stt/internal/config"
)

const commandName = "coordinator"

// newConfigFromFlags loads the coordinator's configuration from the
// environment (spec.md §6's env var table is authoritative for the
// coordinator; there is no CLI surface in the original design) and
// layers a small set of CLI overrides on top, mirroring the teacher's
// flags.go shape (cmd/tcplb/flags.go's newConfigFromFlags).
func newConfigFromFlags(argv []string) (*config.CoordinatorConfig, error) {
	cfg, err := config.CoordinatorConfigFromEnv()
	if err != nil {
		return nil, err
	}

	flagSet := flag.NewFlagSet(commandName, flag.ExitOnError)
	flagSet.StringVar(&cfg.ListenAddress, "listen-address", cfg.ListenAddress,
		"listen address as host:port (overrides LISTEN_ADDRESS)")
	flagSet.StringVar(&cfg.AudioDir, "audio-dir", cfg.AudioDir,
		"root directory of audio files to transcribe (overrides AUDIO_DIR)")
	flagSet.StringVar(&cfg.DBFile, "db-file", cfg.DBFile,
		"path to the SQLite task store file (overrides DB_FILE)")

	if err := flagSet.Parse(argv[1:]); err != nil {
		return nil, err
	}
	return cfg, nil
}
