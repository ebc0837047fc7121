package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/engine"
	"github.com/roach88/mlscore/internal/membership"
	"github.com/roach88/mlscore/internal/metrics"
)

// maxEnvelopeLine bounds one JSON line of the ingest file.
const maxEnvelopeLine = 4 << 20

// IngestResult summarizes one ingest run.
type IngestResult struct {
	Envelopes int `json:"envelopes"`
	Failed    int `json:"failed"`
	Orphans   int `json:"orphans"`
	// Outcomes counts admission outcomes (ready, duplicate, blocked).
	Outcomes map[string]int `json:"outcomes"`
}

func (r IngestResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Ingested %d envelope(s)\n", r.Envelopes)
	if verbose {
		for _, k := range []string{"ready", "duplicate", "blocked"} {
			fmt.Fprintf(w, "  %s: %d\n", k, r.Outcomes[k])
		}
	}
	fmt.Fprintf(w, "  Failed: %d\n", r.Failed)
	fmt.Fprintf(w, "  Waiting on dependencies: %d\n", r.Orphans)
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <envelopes.jsonl>",
		Short: "Process a file of envelopes through the ingestion engine",
		Long: `Read envelopes (one JSON object per line, "-" for stdin) and feed them
through the single-writer engine: dependency tracking, identity resolution,
welcome validation and commit recording. Cursors and iced envelopes are
persisted, so ingesting in several runs behaves like one continuous stream.

Welcomes that need identity updates missing from the local log fail, since
ingest works offline.

Exit codes:
  0 - Every envelope was processed
  1 - At least one envelope failed
  2 - Command error (bad config, unreadable file, etc.)

Examples:
  mlscore ingest --db ./mlscore.db envelopes.jsonl
  cat envelopes.jsonl | mlscore ingest -c mlscore.yaml -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runIngest(opts *RootOptions, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open envelope file", err)
		}
		defer f.Close()
		in = f
	}

	env, err := openEnvironment(opts, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	events := make(chan metrics.Event, 4096)
	m := metrics.New(events)
	resolver := env.resolver()
	validator, err := membership.NewValidator(membership.Config{
		Log:         env.store,
		Groups:      env.store,
		Resolver:    resolver,
		CacheSize:   env.cfg.Membership.CacheSize,
		Concurrency: env.cfg.Membership.Concurrency,
		Logger:      env.logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create validator", err)
	}
	eng, err := engine.New(engine.Config{
		Store:     env.store,
		Cursors:   env.cursors,
		Validator: validator,
		Resolver:  resolver,
		Metrics:   m,
		Logger:    env.logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	if err := eng.Restore(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to restore engine state", err)
	}

	result := IngestResult{Outcomes: map[string]int{}}
	drain := func() {
		for {
			select {
			case ev := <-events:
				if ev.Name == "admission" && len(ev.Labels) == 2 {
					result.Outcomes[ev.Labels[1]]++
				}
			default:
				return
			}
		}
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEnvelopeLine)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		e, err := api.UnmarshalEnvelope(scanner.Bytes())
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("line %d", line), err)
		}
		result.Envelopes++
		if err := eng.Process(ctx, e); err != nil {
			result.Failed++
			env.logger.Error("envelope failed",
				"line", line, "topic", e.Topic.String(), "cursor", e.Cursor.String(), "error", err)
		}
		drain()
	}
	if err := scanner.Err(); err != nil {
		return WrapExitError(ExitCommandError, "failed to read envelope file", err)
	}

	orphans, err := env.store.Orphans(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count iced envelopes", err)
	}
	result.Orphans = len(orphans)

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if result.Failed > 0 {
		return out.Failure("E_INGEST", fmt.Sprintf("%d envelope(s) failed", result.Failed), result)
	}
	return out.Success(result)
}
