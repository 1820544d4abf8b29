package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/sandcastle/internal/config"
	"github.com/benaskins/sandcastle/internal/executor"
	"github.com/benaskins/sandcastle/internal/protocol"
)

type checkResult struct {
	Check string `json:"check"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
	PID   int    `json:"pid,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and start a worker",
	Long:  "Validate the config file, then launch one worker with the configured runtime and complete a warmup round trip.",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "output JSON")
	checkCmd.Flags().Bool("config-only", false, "skip the worker launch")
	checkCmd.Flags().Duration("timeout", 30*time.Second, "warmup timeout")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	configOnly, _ := cmd.Flags().GetBool("config-only")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var results []checkResult
	var failed int

	if err := config.Validate(cfg); err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				results = append(results, checkResult{Check: "config", Error: e.Error()})
				failed++
			}
		} else {
			results = append(results, checkResult{Check: "config", Error: err.Error()})
			failed++
		}
	} else {
		results = append(results, checkResult{Check: "config", Valid: true})
	}

	if !configOnly && failed == 0 {
		results = append(results, checkWorker(timeout))
		if !results[len(results)-1].Valid {
			failed++
		}
	}

	if jsonOut {
		return printJSON(results)
	}

	for _, r := range results {
		switch {
		case r.Valid && r.PID > 0:
			fmt.Printf("OK    %s (pid %d)\n", r.Check, r.PID)
		case r.Valid:
			fmt.Printf("OK    %s (%s)\n", r.Check, configPath)
		default:
			fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", r.Check, r.Error)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func checkWorker(timeout time.Duration) checkResult {
	res := checkResult{Check: "worker " + cfg.Worker.Runtime}
	launcher, err := newLauncher(cfg)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	reg, err := newRegistry()
	if err != nil {
		res.Error = err.Error()
		return res
	}

	exec := executor.New(protocol.Instrumentation{Name: "builtin"}, "", cfg.Pool.DependencyClasspath, launcher,
		executorOptions(cfg, reg, nil)...)
	defer exec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := exec.Warmup(ctx); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Valid = true
	res.PID = exec.PID()
	return res
}
