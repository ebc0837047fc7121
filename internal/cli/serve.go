package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/api/relay"
	"github.com/roach88/mlscore/internal/commitlog"
	"github.com/roach88/mlscore/internal/engine"
	"github.com/roach88/mlscore/internal/membership"
	"github.com/roach88/mlscore/internal/metrics"
	"github.com/roach88/mlscore/internal/store"
	"github.com/roach88/mlscore/internal/worker"
)

const metricsShutdownTimeout = 5 * time.Second

// ServeResult summarizes a serve run once it stops.
type ServeResult struct {
	Topics int `json:"topics"`
	// Held counts envelopes still waiting for a retry at shutdown.
	Held    int `json:"held"`
	Orphans int `json:"orphans"`
}

func (r ServeResult) renderText(w io.Writer, _ bool) {
	fmt.Fprintf(w, "Stopped after serving %d topic(s)\n", r.Topics)
	fmt.Fprintf(w, "  Held for retry: %d\n", r.Held)
	fmt.Fprintf(w, "  Waiting on dependencies: %d\n", r.Orphans)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion engine and background workers against a relay",
		Long: `Subscribe to this installation's topics on the relay at api.url and run
the ingestion engine until interrupted. The commit log worker publishes and
verifies commit logs and runs fork recovery; the retry worker re-delivers
envelopes whose processing failed.

Topics: the welcome topic of identity.installation_id, the inbox of
identity.inbox_id, every joined group, plus serve.inboxes and serve.groups.
Groups joined while serving are picked up on the next start.

Exit codes:
  0 - Stopped by a signal
  2 - Command error (bad config, relay unreachable, etc.)

Examples:
  mlscore serve -c mlscore.yaml
  MLSCORE_API_URL=http://localhost:5050 MLSCORE_INSTALLATION_ID=me mlscore serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	env, err := openEnvironment(opts, cmd)
	if err != nil {
		return err
	}
	defer env.Close()
	cfg := env.cfg
	if err := cfg.ValidateServe(); err != nil {
		return WrapExitError(ExitCommandError, "invalid serve config", err)
	}

	m := metrics.New(nil)
	if cfg.Serve.MetricsListen != "" {
		srv, ln, err := newMetricsServer(cfg.Serve.MetricsListen, m)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		env.logger.Info("serving metrics", "addr", ln.Addr().String())
	}

	client := api.NewClient(cfg.Backend(), relay.NewClient(cfg.API.URL, cfg.API.Timeout), cfg.ClientConfig(env.logger))

	resolver := env.resolver()
	validator, err := membership.NewValidator(membership.Config{
		Log:         env.store,
		Fetcher:     client,
		Groups:      env.store,
		Resolver:    resolver,
		CacheSize:   cfg.Membership.CacheSize,
		Concurrency: cfg.Membership.Concurrency,
		Logger:      env.logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create validator", err)
	}

	topics, err := serveTopics(ctx, env.store, cfg.Identity.InboxID, cfg.Identity.InstallationID, cfg.Serve.Inboxes, cfg.Serve.Groups)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list topics", err)
	}
	eng, err := engine.New(engine.Config{
		Store:          env.store,
		Cursors:        env.cursors,
		Client:         client,
		Validator:      validator,
		Resolver:       resolver,
		InboxID:        cfg.Identity.InboxID,
		InstallationID: cfg.Identity.InstallationID,
		Topics:         topics,
		Metrics:        m,
		Logger:         env.logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	commitLog := commitlog.NewWorker(commitlog.Config{
		Store:  env.store,
		Remote: client,
		Recovery: commitlog.NewRecovery(commitlog.RecoveryConfig{
			Store:            env.store,
			Readder:          client,
			Policy:           cfg.RecoveryPolicy(),
			Groups:           cfg.ForkRecovery.Groups,
			DisableResponses: cfg.ForkRecovery.DisableResponses,
			InboxID:          cfg.Identity.InboxID,
			InstallationID:   cfg.Identity.InstallationID,
			Metrics:          m,
			Logger:           env.logger,
		}),
		Metrics: m,
		Logger:  env.logger,
	})
	runners := []*worker.Runner{
		worker.NewRunner(commitLog, worker.Config{
			Interval:       cfg.Workers.CommitLogInterval,
			RunImmediately: true,
			Metrics:        m,
			Logger:         env.logger,
		}, commitlog.DefaultInterval),
		worker.NewRunner(eng.RetryTask(), worker.Config{
			Interval: cfg.Workers.RetryInterval,
			Metrics:  m,
			Logger:   env.logger,
		}, cfg.Workers.RetryInterval),
	}

	env.logger.Info("serving",
		"relay", cfg.API.URL,
		"installation_id", cfg.Identity.InstallationID,
		"topics", len(topics),
		"fork_recovery", cfg.RecoveryPolicy().String(),
	)
	if err := engine.Serve(ctx, eng, runners...); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "serve stopped", err)
	}

	result := ServeResult{Topics: len(topics), Held: eng.Held()}
	orphans, err := env.store.Orphans(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count iced envelopes", err)
	}
	result.Orphans = len(orphans)

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return out.Success(result)
}

// serveTopics lists the topics an installation subscribes to: its welcome
// topic first, then inboxes and active groups in id order without
// duplicates.
func serveTopics(ctx context.Context, st *store.Store, inboxID, installationID string, inboxes, groups []string) ([]api.Topic, error) {
	joined, err := st.Groups(ctx)
	if err != nil {
		return nil, err
	}
	inboxes = slices.Clone(inboxes)
	if inboxID != "" {
		inboxes = append(inboxes, inboxID)
	}
	groups = slices.Clone(groups)
	for _, g := range joined {
		if g.Active {
			groups = append(groups, g.ID)
		}
	}
	slices.Sort(inboxes)
	slices.Sort(groups)

	topics := []api.Topic{api.WelcomeTopic(installationID)}
	for _, id := range slices.Compact(inboxes) {
		topics = append(topics, api.IdentityTopic(id))
	}
	for _, id := range slices.Compact(groups) {
		topics = append(topics, api.GroupTopic(id))
	}
	return topics, nil
}

// newMetricsServer binds addr and returns a server exposing m's registry on
// /metrics. The caller serves on the returned listener.
func newMetricsServer(addr string, m *metrics.Metrics) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
	}
	return srv, ln, nil
}
