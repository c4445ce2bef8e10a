package main

import (
	"os"

	"github.com/dinccey/distributed-batch-stt/internal/obslog"
)

func main() {
	logger := obslog.Default()

	cfg, err := newConfigFromFlags(os.Args)
	if err != nil {
		logger.Error(&obslog.Record{Msg: "failed to parse flags", Error: err})
		os.Exit(2)
	}

	logger.Info(&obslog.Record{Msg: "loaded config", Details: cfg})

	if err := cfg.Validate(); err != nil {
		logger.Error(&obslog.Record{Msg: "configuration is invalid", Error: err})
		os.Exit(2)
	}

	if err := serve(logger, cfg); err != nil {
		logger.Error(&obslog.Record{Msg: "server terminated abnormally", Error: err})
		os.Exit(1)
	}
	logger.Info(&obslog.Record{Msg: "server terminated normally"})
	os.Exit(0)
}
