package main

import (
	"os"

	"github.com/dinccey/distributed-batch-stt/internal/config"
	"github.com/dinccey/distributed-batch-stt/internal/obslog"
)

func main() {
	logger := obslog.Default()

	flags, err := newFlagsFromArgv(os.Args)
	if err != nil {
		logger.Error(&obslog.Record{Msg: "failed to parse flags", Error: err})
		os.Exit(2)
	}

	cfg, err := config.WorkerConfigFromEnv()
	if err != nil {
		logger.Error(&obslog.Record{Msg: "failed to load config", Error: err})
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error(&obslog.Record{Msg: "configuration is invalid", Error: err})
		os.Exit(2)
	}
	logger.Info(&obslog.Record{Msg: "loaded config", Details: cfg})

	if err := run(logger, flags, cfg); err != nil {
		logger.Error(&obslog.Record{Msg: "worker terminated abnormally", Error: err})
		os.Exit(1)
	}
	logger.Info(&obslog.Record{Msg: "worker terminated normally"})
	os.Exit(0)
}
