package commitlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/mlscore/internal/metrics"
	"github.com/roach88/mlscore/internal/worker"
)

// DefaultInterval is how often the worker ticks when not configured.
const DefaultInterval = 5 * time.Minute

// CursorKind names one of the per-group commit log cursors.
type CursorKind string

const (
	CursorDownload   CursorKind = "commit_log_download"
	CursorUpload     CursorKind = "commit_log_upload"
	CursorForkLocal  CursorKind = "commit_log_fork_local"
	CursorForkRemote CursorKind = "commit_log_fork_remote"
)

// GroupInfo lists a group the worker audits.
type GroupInfo struct {
	ID string
	// Publish is set when this installation publishes the group's log
	// (it is a super admin of the group, or the group is a DM).
	Publish bool
}

// Store is the worker's view of local persistence.
type Store interface {
	CommitLogGroups(ctx context.Context) ([]GroupInfo, error)
	CommitLogCursor(ctx context.Context, groupID string, kind CursorKind) (uint64, error)
	LatestRemoteEntry(ctx context.Context, groupID string) (*Entry, error)
	// LocalEntriesAfter and RemoteEntriesAfter return entries with
	// LogSequenceID > after in ascending order.
	LocalEntriesAfter(ctx context.Context, groupID string, after uint64) ([]Entry, error)
	RemoteEntriesAfter(ctx context.Context, groupID string, after uint64) ([]Entry, error)
	ForkState(ctx context.Context, groupID string) (*bool, error)
	// ApplyCommitLogCycle persists one group's cycle in a single transaction.
	ApplyCommitLogCycle(ctx context.Context, c GroupCycle) error
}

// RemoteLog is the network commit log.
type RemoteLog interface {
	FetchRemoteCommitLog(ctx context.Context, groupID string, after uint64) ([]Entry, error)
	PublishCommitLog(ctx context.Context, entries []Entry) error
}

// GroupCycle is everything one tick decided for a group.
type GroupCycle struct {
	GroupID string
	// Remote entries to store, already filtered by ShouldSkipRemote.
	Remote []Entry
	// Cursors to advance. Missing kinds are left unchanged.
	Cursors map[CursorKind]uint64
	// Forked is the group's fork state after this cycle.
	Forked *bool
}

// Config configures a Worker.
type Config struct {
	Store  Store
	Remote RemoteLog
	// Recovery, when set, runs after fork state is persisted.
	Recovery *Recovery
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Worker downloads, checks and publishes commit logs.
type Worker struct {
	cfg Config
}

// NewWorker creates a commit log worker.
func NewWorker(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{cfg: cfg}
}

func (w *Worker) Kind() worker.Kind { return worker.KindCommitLog }

// Tick runs one cycle over every group: download the remote log, update fork
// state, then publish new local entries. All effects are computed first and
// persisted per group at the end, so an interrupted tick leaves no partial
// state. Fork recovery runs last, against the persisted fork state.
func (w *Worker) Tick(ctx context.Context, cycleID string) error {
	groups, err := w.cfg.Store.CommitLogGroups(ctx)
	if err != nil {
		return fmt.Errorf("list commit log groups: %w", err)
	}
	logger := w.cfg.Logger.With("cycle_id", cycleID)

	var errs []error
	cycles := make([]GroupCycle, 0, len(groups))
	for _, g := range groups {
		c := GroupCycle{GroupID: g.ID, Cursors: map[CursorKind]uint64{}}
		if err := w.saveRemoteCommitLog(ctx, logger, &c); err != nil {
			errs = append(errs, err)
		}
		if err := w.updateForkedState(ctx, logger, &c); err != nil {
			errs = append(errs, err)
			continue
		}
		cycles = append(cycles, c)
	}

	if err := w.publishCommitLogs(ctx, logger, groups, cycles); err != nil {
		errs = append(errs, err)
	}

	forked := 0
	for _, c := range cycles {
		if err := w.cfg.Store.ApplyCommitLogCycle(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("apply commit log cycle for %s: %w", c.GroupID, err))
			continue
		}
		if c.Forked != nil && *c.Forked {
			forked++
		}
	}
	w.cfg.Metrics.ForkedGroups(forked)

	if w.cfg.Recovery != nil {
		if err := w.cfg.Recovery.Run(ctx, logger); err != nil {
			errs = append(errs, fmt.Errorf("fork recovery: %w", err))
		}
	}
	return errors.Join(errs...)
}

// saveRemoteCommitLog fetches entries after the download cursor and keeps the
// ones that extend the stored remote log. The download cursor advances past
// every fetched entry, skipped or not.
func (w *Worker) saveRemoteCommitLog(ctx context.Context, logger *slog.Logger, c *GroupCycle) error {
	after, err := w.cfg.Store.CommitLogCursor(ctx, c.GroupID, CursorDownload)
	if err != nil {
		return fmt.Errorf("download cursor for %s: %w", c.GroupID, err)
	}
	fetched, err := w.cfg.Remote.FetchRemoteCommitLog(ctx, c.GroupID, after)
	if err != nil {
		return fmt.Errorf("fetch remote commit log for %s: %w", c.GroupID, err)
	}
	if len(fetched) == 0 {
		return nil
	}
	latest, err := w.cfg.Store.LatestRemoteEntry(ctx, c.GroupID)
	if err != nil {
		return fmt.Errorf("latest remote entry for %s: %w", c.GroupID, err)
	}

	skipped := 0
	for _, e := range fetched {
		if ShouldSkipRemote(c.GroupID, latest, e) {
			skipped++
			continue
		}
		c.Remote = append(c.Remote, e)
		latest = &e
	}
	c.Cursors[CursorDownload] = fetched[len(fetched)-1].LogSequenceID

	logger.Info("downloaded remote commit log",
		"group_id", c.GroupID, "saved", len(c.Remote), "skipped", skipped)
	w.cfg.Metrics.CommitLogEntries("downloaded", len(c.Remote))
	w.cfg.Metrics.CommitLogEntries("skipped", skipped)
	return nil
}

// updateForkedState compares local entries newer than the fork-check cursor
// with remote entries, including the ones downloaded this cycle.
func (w *Worker) updateForkedState(ctx context.Context, logger *slog.Logger, c *GroupCycle) error {
	localAfter, err := w.cfg.Store.CommitLogCursor(ctx, c.GroupID, CursorForkLocal)
	if err != nil {
		return fmt.Errorf("fork local cursor for %s: %w", c.GroupID, err)
	}
	remoteAfter, err := w.cfg.Store.CommitLogCursor(ctx, c.GroupID, CursorForkRemote)
	if err != nil {
		return fmt.Errorf("fork remote cursor for %s: %w", c.GroupID, err)
	}
	local, err := w.cfg.Store.LocalEntriesAfter(ctx, c.GroupID, localAfter)
	if err != nil {
		return fmt.Errorf("local commit log for %s: %w", c.GroupID, err)
	}
	remote, err := w.cfg.Store.RemoteEntriesAfter(ctx, c.GroupID, remoteAfter)
	if err != nil {
		return fmt.Errorf("remote commit log for %s: %w", c.GroupID, err)
	}
	for _, e := range c.Remote {
		if e.LogSequenceID > remoteAfter {
			remote = append(remote, e)
		}
	}
	previous, err := w.cfg.Store.ForkState(ctx, c.GroupID)
	if err != nil {
		return fmt.Errorf("fork state for %s: %w", c.GroupID, err)
	}

	check := CheckFork(local, remote, previous)
	c.Forked = check.Forked
	if check.Matched {
		c.Cursors[CursorForkLocal] = check.LocalCursor
		c.Cursors[CursorForkRemote] = check.RemoteCursor
	}
	if check.Forked != nil && *check.Forked {
		logger.Warn("group commit log forked", "group_id", c.GroupID,
			"local_cursor", check.LocalCursor, "remote_cursor", check.RemoteCursor)
	}
	return nil
}

// publishCommitLogs sends local entries newer than each publishing group's
// upload cursor in one batch. Upload cursors advance only if the publish
// succeeds; otherwise the next cycle retries and this one reports the
// failure.
func (w *Worker) publishCommitLogs(ctx context.Context, logger *slog.Logger, groups []GroupInfo, cycles []GroupCycle) error {
	byID := make(map[string]*GroupCycle, len(cycles))
	for i := range cycles {
		byID[cycles[i].GroupID] = &cycles[i]
	}

	var batch []Entry
	uploaded := map[string]uint64{}
	for _, g := range groups {
		c, ok := byID[g.ID]
		if !g.Publish || !ok {
			continue
		}
		after, err := w.cfg.Store.CommitLogCursor(ctx, g.ID, CursorUpload)
		if err != nil {
			return fmt.Errorf("upload cursor for %s: %w", g.ID, err)
		}
		entries, err := w.cfg.Store.LocalEntriesAfter(ctx, g.ID, after)
		if err != nil {
			return fmt.Errorf("local commit log for %s: %w", g.ID, err)
		}
		if len(entries) == 0 {
			continue
		}
		batch = append(batch, entries...)
		uploaded[c.GroupID] = entries[len(entries)-1].LogSequenceID
	}
	if len(batch) == 0 {
		logger.Debug("no commit log entries to publish")
		return nil
	}

	if err := w.cfg.Remote.PublishCommitLog(ctx, batch); err != nil {
		logger.Error("publish commit log failed", "entries", len(batch), "error", err)
		w.cfg.Metrics.CommitLogEntries("publish_failed", len(batch))
		return fmt.Errorf("publish commit log: %w", err)
	}
	for id, cursor := range uploaded {
		byID[id].Cursors[CursorUpload] = cursor
	}
	logger.Info("published commit log", "entries", len(batch), "groups", len(uploaded))
	w.cfg.Metrics.CommitLogEntries("published", len(batch))
	return nil
}
