package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opencode-ai/sequencer/internal/bus"
	"github.com/opencode-ai/sequencer/internal/clock"
	"github.com/opencode-ai/sequencer/internal/config"
	"github.com/opencode-ai/sequencer/internal/db"
	"github.com/opencode-ai/sequencer/internal/director"
	"github.com/opencode-ai/sequencer/internal/group"
	"github.com/opencode-ai/sequencer/internal/journal"
	"github.com/opencode-ai/sequencer/internal/logging"
	"github.com/opencode-ai/sequencer/internal/scenario"
	"github.com/opencode-ai/sequencer/internal/sequence"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

var (
	runVars      []string
	runPublish   []string
	runFor       time.Duration
	runStdin     bool
	runHold      bool
	runJournal   bool
	runNoJournal bool
	runTrace     bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.StringArrayVar(&runVars, "var", nil, "scenario variable key=value (repeatable)")
	flags.StringArrayVar(&runPublish, "publish", nil, "message to publish after start (repeatable, in order)")
	flags.DurationVar(&runFor, "for", 0, "stop after this long (0 = no limit)")
	flags.BoolVar(&runStdin, "stdin", false, "publish each line read from stdin")
	flags.BoolVar(&runHold, "hold", false, "keep running after the scenario settles")
	flags.BoolVar(&runJournal, "journal", false, "record this run in the journal")
	flags.BoolVar(&runNoJournal, "no-journal", false, "do not record this run even if the config enables it")
	flags.BoolVar(&runTrace, "trace", false, "write sequence and group spans to stderr")
}

var runCmd = &cobra.Command{
	Use:   "run <scenario>",
	Short: "Run a scenario",
	Long: `Run a scenario by name or file path.

The run ends when the scenario settles (nothing running, nothing left that
could run), when --for elapses, or on interrupt. With --stdin every input
line is published on the bus and the run does not settle before EOF.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if cfg == nil {
			cfg = config.DefaultConfig()
		}

		vars, err := parseScenarioVars(runVars)
		if err != nil {
			return err
		}
		if runHold && runFor <= 0 && IsNonInteractive() && !runStdin {
			return &PreflightError{
				Message:  "--hold without --for never ends in a non-interactive session",
				Hint:     "Add --for <duration> or drop --hold",
				NextStep: "sequencer run " + args[0] + " --hold --for 30s",
			}
		}

		step := startProgress("Loading scenario")
		scn, err := resolveScenario(args[0])
		if err != nil {
			step.Fail(err)
			return err
		}
		step.Done()

		opts := runOptions{
			Vars:     vars,
			Publish:  runPublish,
			For:      runFor,
			Hold:     runHold,
			Director: director.Config{TickInterval: cfg.Director.TickInterval, QueueSize: cfg.Director.QueueSize},
			Seed:     cfg.Random.Seed,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if runStdin {
			linesCtx, stopLines := context.WithCancel(ctx)
			defer stopLines()
			opts.Lines = readLines(linesCtx, os.Stdin)
		}

		if cfg.Trace.Enabled || runTrace {
			tp, err := newTracerProvider(os.Stderr)
			if err != nil {
				return err
			}
			defer shutdownTracerProvider(tp)
			opts.Tracer = tp
		}

		if (cfg.Journal.Enabled || runJournal) && !runNoJournal {
			database, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer database.Close()
			opts.Journal = &journal.Options{
				Events: db.NewEventRepository(database),
				Runs:   db.NewRunRepository(database),
			}
		}

		report, err := runScenario(ctx, scn, opts)
		if err != nil {
			return err
		}

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, report)
		}
		return printRunReport(os.Stdout, report)
	},
}

type runOptions struct {
	Vars     map[string]string
	Publish  []string
	For      time.Duration
	Hold     bool
	Lines    <-chan string
	Director director.Config
	Seed     uint64
	Journal  *journal.Options
	Tracer   trace.TracerProvider
}

type sequenceReport struct {
	Name    string `json:"name"`
	Runs    int    `json:"runs"`
	Forced  int    `json:"forced"`
	Running bool   `json:"running"`
	Retired bool   `json:"retired"`
}

type runReport struct {
	Scenario  string           `json:"scenario"`
	Reason    string           `json:"reason"`
	Settled   bool             `json:"settled"`
	Elapsed   time.Duration    `json:"elapsed_ns"`
	Messages  int              `json:"messages"`
	Ticks     int64            `json:"ticks"`
	Recent    []string         `json:"recent_messages"`
	Sequences []sequenceReport `json:"sequences"`
}

// recentMessages is how many bus messages a run report keeps.
const recentMessages = 10

// Stop reasons.
const (
	stopSettled   = "settled"
	stopDeadline  = "deadline"
	stopInterrupt = "interrupted"
)

// runScenario renders, builds and drives scn on a fresh director until it
// settles, the deadline passes or ctx ends.
func runScenario(ctx context.Context, scn *scenario.Scenario, opts runOptions) (*runReport, error) {
	logger := logging.Component("run")

	rendered, err := scenario.Render(scn, opts.Vars)
	if err != nil {
		return nil, err
	}

	dir := director.New(opts.Director)
	// the loop outlives ctx so teardown can still run on it
	if err := dir.Start(context.Background()); err != nil {
		return nil, err
	}
	defer dir.Stop()

	report := &runReport{Scenario: rendered.Name}
	counts := make(map[string]*sequenceReport)
	recent := bus.NewHistory(recentMessages)

	var (
		rt       *scenario.Runtime
		jr       *journal.Journal
		buildErr error
	)
	err = dir.Do(func() {
		rt, buildErr = scenario.Build(rendered, scenario.Deps{
			Clock:  dir,
			Roller: newRoller(opts.Seed),
			Tracer: opts.Tracer,
		})
		if buildErr != nil {
			return
		}
		for _, s := range rt.Sequences() {
			entry := &sequenceReport{Name: s.Name()}
			counts[s.Name()] = entry
			report.Sequences = append(report.Sequences, sequenceReport{})
			s.SubscribeStarted(func(run sequence.Run) {
				entry.Runs++
				if run.Forced {
					entry.Forced++
				}
			})
		}
		recent.Record(rt.Bus())
		if opts.Journal != nil {
			jr = journal.Attach(ctx, rt, *opts.Journal)
		}

		rt.Start()
		for _, msg := range opts.Publish {
			rt.Publish(msg)
		}
	})
	if err != nil {
		return nil, err
	}
	if buildErr != nil {
		return nil, buildErr
	}

	tickerID := dir.AddTicker(rt)
	logger.Info().
		Str("scenario", rendered.Name).
		Strs("vars", sortedKeys(opts.Vars)).
		Msg("scenario running")

	started := time.Now()
	report.Reason = waitForEnd(ctx, dir, rt, opts)
	report.Elapsed = time.Since(started)
	dir.RemoveTicker(tickerID)

	err = dir.Do(func() {
		report.Settled = rt.Settled()
		report.Messages = recent.Total()
		report.Recent = recent.Snapshot()
		for i, s := range rt.Sequences() {
			entry := counts[s.Name()]
			entry.Running = s.IsRunning()
			entry.Retired = s.Retired()
			report.Sequences[i] = *entry
		}
		if jr != nil {
			jr.Detach()
		}
		if closeErr := rt.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("scenario teardown reported errors")
		}
	})
	if err != nil {
		return nil, err
	}
	report.Ticks = dir.Stats().Ticks

	logger.Info().
		Str("scenario", rendered.Name).
		Str("reason", report.Reason).
		Dur("elapsed", report.Elapsed).
		Msg("scenario stopped")
	return report, nil
}

func waitForEnd(ctx context.Context, dir *director.Director, rt *scenario.Runtime, opts runOptions) string {
	var deadline <-chan time.Time
	if opts.For > 0 {
		timer := time.NewTimer(opts.For)
		defer timer.Stop()
		deadline = timer.C
	}

	poll := time.NewTicker(dir.Config().TickInterval)
	defer poll.Stop()

	lines := opts.Lines
	for {
		select {
		case <-ctx.Done():
			return stopInterrupt
		case <-deadline:
			return stopDeadline
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := dir.Post(func() { rt.Publish(line) }); err != nil {
				return stopInterrupt
			}
		case <-poll.C:
			if opts.Hold || lines != nil {
				continue
			}
			settled := false
			if err := dir.Do(func() { settled = rt.Settled() }); err != nil {
				return stopInterrupt
			}
			if settled {
				return stopSettled
			}
		}
	}
}

// newRoller returns nil (the process-wide source) for seed 0.
func newRoller(seed uint64) group.Roller {
	if seed == 0 {
		return nil
	}
	return rand.New(rand.NewPCG(seed, seed))
}

// readLines streams non-blank, non-comment lines from r until EOF or until
// ctx ends, whichever comes first.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func printRunReport(out io.Writer, report *runReport) error {
	status := colorize(report.Reason, colorGreen)
	if report.Reason != stopSettled {
		status = colorize(report.Reason, colorYellow)
	}
	fmt.Fprintf(out, "%s %s after %s (%d messages, %d ticks)\n",
		header(report.Scenario), status, formatDuration(report.Elapsed), report.Messages, report.Ticks)

	if len(report.Recent) > 0 {
		fmt.Fprintf(out, "last messages: %s\n", colorize(strings.Join(report.Recent, " "), colorBlue))
	}

	rows := make([][]string, 0, len(report.Sequences))
	for _, s := range report.Sequences {
		rows = append(rows, []string{
			s.Name,
			fmt.Sprintf("%d", s.Runs),
			fmt.Sprintf("%d", s.Forced),
			formatYesNo(s.Running),
			formatYesNo(s.Retired),
		})
	}
	return writeTable(out, []string{"SEQUENCE", "RUNS", "FORCED", "RUNNING", "RETIRED"}, rows)
}

// checkBuildable renders scn with vars and builds it against a throwaway
// clock, then tears it down without starting it.
func checkBuildable(scn *scenario.Scenario, vars map[string]string) error {
	rendered, err := scenario.Render(scn, vars)
	if err != nil {
		return err
	}
	rt, err := scenario.Build(rendered, scenario.Deps{Clock: clock.NewManual()})
	if err != nil {
		return err
	}
	return rt.Close()
}
