package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/benaskins/sandcastle/internal/config"
	"github.com/benaskins/sandcastle/internal/executor"
	"github.com/benaskins/sandcastle/internal/protocol"
)

var benchCmd = &cobra.Command{
	Use:   "bench <target> [arg...]",
	Short: "Measure call latency through the pool",
	Long: `Issue repeated calls against pooled executors and report latency.

Each concurrent lane uses its own user classpath suffix, so lanes beyond
pool.max_size exercise eviction and respawn.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBench,
}

func init() {
	benchCmd.Flags().StringP("instrumentation", "i", "builtin", "instrumentation as name or name:key=value,...")
	benchCmd.Flags().IntP("calls", "n", 200, "total calls")
	benchCmd.Flags().IntP("concurrency", "c", 1, "concurrent lanes")
	benchCmd.Flags().Bool("plain", false, "disable the progress display")
	rootCmd.AddCommand(benchCmd)
}

var (
	benchTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	benchMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	benchFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// benchStats is shared between the lanes and the display.
type benchStats struct {
	total    int
	done     atomic.Int64
	failures atomic.Int64
	errors   atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *benchStats) record(d time.Duration, res executor.Result, err error) {
	switch {
	case err != nil:
		s.errors.Add(1)
	case res.Failed():
		s.failures.Add(1)
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
	s.done.Add(1)
}

func (s *benchStats) percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(p*float64(len(sorted)-1))]
}

type benchTick time.Time

type benchDone struct{ err error }

type benchModel struct {
	target  string
	stats   *benchStats
	bar     progress.Model
	start   time.Time
	err     error
	done    bool
	aborted bool
	cancel  context.CancelFunc
}

func (m benchModel) Init() tea.Cmd {
	return tickBench()
}

func tickBench() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return benchTick(t) })
}

func (m benchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.aborted = true
			m.cancel()
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = min(msg.Width-4, 60)
	case benchTick:
		return m, tickBench()
	case benchDone:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m benchModel) View() string {
	done := m.stats.done.Load()
	pct := float64(done) / float64(m.stats.total)

	var b strings.Builder
	b.WriteString(benchTitle.Render("sandcastle bench "+m.target) + "\n\n")
	b.WriteString(m.bar.ViewAs(pct) + "\n\n")
	fmt.Fprintf(&b, "%d/%d calls  %s\n", done, m.stats.total, benchMuted.Render(time.Since(m.start).Round(time.Millisecond).String()))
	fmt.Fprintf(&b, "p50 %v  p99 %v\n", m.stats.percentile(0.50), m.stats.percentile(0.99))
	if f, e := m.stats.failures.Load(), m.stats.errors.Load(); f+e > 0 {
		b.WriteString(benchFailed.Render(fmt.Sprintf("%d user failures, %d engine errors", f, e)) + "\n")
	}
	if !m.done {
		b.WriteString(benchMuted.Render("\nq to abort") + "\n")
	}
	return b.String()
}

// benchConfig sizes the pool so every lane keeps its own executor. A
// smaller pool would evict one lane's executor while its call is in flight.
func benchConfig(c *config.Config, lanes int) *config.Config {
	bc := *c
	bc.Pool.MaxSize = max(c.Pool.MaxSize, lanes)
	return &bc
}

func runBench(cmd *cobra.Command, args []string) error {
	instFlag, _ := cmd.Flags().GetString("instrumentation")
	calls, _ := cmd.Flags().GetInt("calls")
	lanes, _ := cmd.Flags().GetInt("concurrency")
	plain, _ := cmd.Flags().GetBool("plain")
	if calls < 1 || lanes < 1 {
		return fmt.Errorf("calls and concurrency must be positive")
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		plain = true
	}

	inst, err := parseInstrumentation(instFlag)
	if err != nil {
		return err
	}
	p, err := newPool(benchConfig(cfg, lanes), nil, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	target, callArgs := args[0], parseArgs(args[1:])
	stats := &benchStats{total: calls}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := func() error {
		g, gctx := errgroup.WithContext(ctx)
		var next atomic.Int64
		for lane := 0; lane < lanes; lane++ {
			userCP := ""
			if lanes > 1 {
				userCP = fmt.Sprintf("bench-lane-%d", lane)
			}
			g.Go(func() error {
				for next.Add(1) <= int64(calls) {
					exec, err := p.Get(inst, userCP, "")
					if err != nil {
						return err
					}
					start := time.Now()
					res, err := exec.Execute(gctx, protocol.Callable{Target: target}, callArgs, protocol.ExecutionContext{})
					if gctx.Err() != nil {
						return gctx.Err()
					}
					stats.record(time.Since(start), res, err)
				}
				return nil
			})
		}
		return g.Wait()
	}

	start := time.Now()
	if plain {
		if err := run(); err != nil {
			return err
		}
	} else {
		model := benchModel{
			target: target,
			stats:  stats,
			bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(60)),
			start:  start,
			cancel: cancel,
		}
		prog := tea.NewProgram(model)
		go func() {
			prog.Send(benchDone{err: run()})
		}()
		final, err := prog.Run()
		if err != nil {
			return err
		}
		fm := final.(benchModel)
		if fm.aborted {
			return fmt.Errorf("aborted after %d calls", stats.done.Load())
		}
		if fm.err != nil {
			return fm.err
		}
	}

	elapsed := time.Since(start)
	fmt.Printf("%d calls in %v (%.1f/s)\n", stats.done.Load(), elapsed.Round(time.Millisecond), float64(stats.done.Load())/elapsed.Seconds())
	fmt.Printf("p50 %v  p95 %v  p99 %v\n", stats.percentile(0.50), stats.percentile(0.95), stats.percentile(0.99))
	fmt.Printf("user failures %d  engine errors %d\n", stats.failures.Load(), stats.errors.Load())
	return nil
}
