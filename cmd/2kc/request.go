package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/twokc/2kc/internal/broker/orchestrator"
)

func cmdRequest(args []string) int {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	reason := fs.String("reason", "", "why the agent needs access")
	task := fs.String("task", "", "task reference (ticket, job id)")
	envVar := fs.String("env", "", "env var to inject the first secret into")
	cmdStr := fs.String("cmd", "", "command to run with the secrets injected")
	duration := fs.Int("duration", 0, "grant lifetime in seconds (30-3600, default 300)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	uuids := fs.Args()
	command := strings.Fields(*cmdStr)
	if len(uuids) == 0 || *reason == "" || *task == "" || len(command) == 0 {
		fmt.Fprintln(os.Stderr, `Usage: 2kc request <uuid...> --reason <r> --task <t> --cmd "<command>" [--env NAME] [--duration seconds]`)
		return 1
	}
	if *duration < 0 {
		fmt.Fprintln(os.Stderr, "Error: --duration must be a positive integer")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(err)
	}
	facade, ch, err := buildFacade(cfg, nil)
	if err != nil {
		return fail(err)
	}
	trail, closeTrail, err := buildTrail(cfg, ch)
	if err != nil {
		return fail(err)
	}
	defer closeTrail()

	orch := orchestrator.New(facade, trail, nil)
	out, err := orch.Run(background(), orchestrator.Params{
		SecretUUIDs:     uuids,
		Reason:          *reason,
		TaskRef:         *task,
		DurationSeconds: *duration,
		EnvVarName:      *envVar,
		Command:         command,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotApproved) {
			fmt.Fprintln(os.Stderr, "Access request was not approved.")
			return 1
		}
		return fail(err)
	}

	// Child output verbatim (already redacted); its exit code is ours.
	fmt.Print(out.Stdout)
	fmt.Fprint(os.Stderr, out.Stderr)
	return out.ExitCode
}
