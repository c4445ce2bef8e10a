package main

import "flag"

const commandName = "worker"

// cliFlags holds the worker's single CLI flag (spec.md §6 "Worker CLI.
// One flag: --retry_failed switches from Worker Loop to Retry Driver
// mode"), mirroring the teacher's flags.go shape (cmd/tcplb/flags.go)
// even though there is only one flag to parse here.
type cliFlags struct {
	RetryFailed bool
}

func newFlagsFromArgv(argv []string) (*cliFlags, error) {
	flagSet := flag.NewFlagSet(commandName, flag.ExitOnError)
	f := &cliFlags{}
	flagSet.BoolVar(&f.RetryFailed, "retry_failed", false,
		"run the Retry Driver (drain not_uploaded/ and failed_report/) instead of the Worker Loop")
	if err := flagSet.Parse(argv[1:]); err != nil {
		return nil, err
	}
	return f, nil
}
