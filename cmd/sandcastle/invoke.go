package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/sandcastle/internal/api"
	"github.com/benaskins/sandcastle/internal/executor"
	"github.com/benaskins/sandcastle/internal/protocol"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <target> [arg...]",
	Short: "Call a target in a fresh worker",
	Long: `Call a target in a worker and print the result.

Arguments are parsed as JSON when they are valid JSON and passed as strings
otherwise. By default the call runs in a private worker started for this
command; with --remote it goes through the running controller's pool.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().StringP("instrumentation", "i", "builtin", "instrumentation as name or name:key=value,...")
	invokeCmd.Flags().String("classpath", "", "user classpath")
	invokeCmd.Flags().String("dependency-classpath", "", "dependency classpath (defaults to pool.dependency_classpath)")
	invokeCmd.Flags().Duration("timeout", 0, "worker-side timeout for the call")
	invokeCmd.Flags().Bool("remote", false, "run through the controller instead of a private worker")
	invokeCmd.Flags().Bool("json", false, "output JSON (default when stdout is not a terminal)")
	rootCmd.AddCommand(invokeCmd)
}

func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			out = append(out, v)
			continue
		}
		out = append(out, s)
	}
	return out
}

func runInvoke(cmd *cobra.Command, args []string) error {
	instFlag, _ := cmd.Flags().GetString("instrumentation")
	userCP, _ := cmd.Flags().GetString("classpath")
	depCP, _ := cmd.Flags().GetString("dependency-classpath")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	remote, _ := cmd.Flags().GetBool("remote")
	jsonOut, _ := cmd.Flags().GetBool("json")
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		jsonOut = true
	}

	inst, err := parseInstrumentation(instFlag)
	if err != nil {
		return err
	}
	target, callArgs := args[0], parseArgs(args[1:])

	var resp api.ExecuteResponse
	if remote {
		req := api.ExecuteRequest{
			ExecutorKey: api.ExecutorKey{
				Instrumentation:     inst,
				Classpath:           userCP,
				DependencyClasspath: depCP,
			},
			Target:    target,
			Args:      callArgs,
			TimeoutMS: timeout.Milliseconds(),
		}
		if _, err := apiDo("POST", "/v1/execute", req, &resp); err != nil {
			return err
		}
	} else {
		if depCP == "" {
			depCP = cfg.Pool.DependencyClasspath
		}
		launcher, err := newLauncher(cfg)
		if err != nil {
			return err
		}
		reg, err := newRegistry()
		if err != nil {
			return err
		}
		exec := executor.New(inst, userCP, depCP, launcher, executorOptions(cfg, reg, nil)...)
		defer exec.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		res, err := exec.Execute(ctx, protocol.Callable{Target: target}, callArgs, protocol.ExecutionContext{Timeout: timeout})
		if err != nil {
			return err
		}
		resp = api.ExecuteResponse{Value: res.Value, Failure: res.Failure, PID: res.PID, Duration: res.Duration}
	}

	if jsonOut {
		if err := printJSON(resp); err != nil {
			return err
		}
	} else {
		printResult(target, resp)
	}
	if resp.Failure != nil {
		return fmt.Errorf("%s failed in worker", target)
	}
	return nil
}

func printResult(target string, resp api.ExecuteResponse) {
	if resp.Failure != nil {
		fmt.Fprintf(os.Stderr, "FAIL  %s (pid %d, %v)\n      %s\n", target, resp.PID, resp.Duration.Round(time.Microsecond), resp.Failure)
		if resp.Failure.Stack != "" {
			for _, line := range strings.Split(strings.TrimRight(resp.Failure.Stack, "\n"), "\n") {
				fmt.Fprintf(os.Stderr, "      %s\n", line)
			}
		}
		return
	}
	fmt.Printf("%v\n", resp.Value)
	fmt.Fprintf(os.Stderr, "OK    %s (pid %d, %v)\n", target, resp.PID, resp.Duration.Round(time.Microsecond))
}
