package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/sandcastle/internal/api"
)

func apiClient() *http.Client {
	socketPath := defaultSocketPath()
	return &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// apiDo sends body as JSON (when non-nil) and decodes the response into v.
// A 502 from /v1/execute still decodes, so callers see the error kind.
func apiDo(method, path string, body, v any) (int, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://sandcastle"+path, r)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient().Do(req)
	if err != nil {
		return 0, fmt.Errorf("connecting to controller: %w (is sandcastle serve running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return resp.StatusCode, &remoteError{Status: resp.StatusCode, Resp: e}
		}
		return resp.StatusCode, fmt.Errorf("API error %d: %s", resp.StatusCode, data)
	}
	if v == nil {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(v)
}

type remoteError struct {
	Status int
	Resp   api.ErrorResponse
}

func (e *remoteError) Error() string {
	if e.Resp.Kind != "" {
		return fmt.Sprintf("%s (%s)", e.Resp.Error, e.Resp.Kind)
	}
	return e.Resp.Error
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pooled executors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		var resp api.ExecutorsResponse
		if _, err := apiDo(http.MethodGet, "/v1/executors", nil, &resp); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(resp)
		}

		if len(resp.Executors) == 0 {
			fmt.Println("No executors")
			return nil
		}

		latency := make(map[string]string)
		for _, l := range resp.Latencies {
			latency[l.Executor] = fmt.Sprintf("%v/%v", l.P50.Round(time.Microsecond), l.P99.Round(time.Microsecond))
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "EXECUTOR\tINSTRUMENTATION\tPID\tGENERATION\tLAST USED\tP50/P99")
		for _, e := range resp.Executors {
			pid := "-"
			if e.PID > 0 {
				pid = fmt.Sprintf("%d", e.PID)
			}
			lat := latency[e.Executor]
			if lat == "" {
				lat = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				e.Executor, e.Instrumentation, pid, e.Generation,
				time.Since(e.LastUsed).Round(time.Second), lat)
		}
		w.Flush()
		return nil
	},
}

// invalidate command
var invalidateCmd = &cobra.Command{
	Use:   "invalidate <classpath>",
	Short: "Close pooled executors for a user classpath",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]int
		path := "/v1/executors?classpath=" + url.QueryEscape(args[0])
		if _, err := apiDo(http.MethodDelete, path, nil, &result); err != nil {
			return err
		}
		fmt.Printf("%s: closed %d executor(s)\n", args[0], result["closed"])
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "output JSON")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(invalidateCmd)
}
