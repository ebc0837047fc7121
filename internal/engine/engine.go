package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/cursor"
	"github.com/roach88/mlscore/internal/membership"
	"github.com/roach88/mlscore/internal/metrics"
	"github.com/roach88/mlscore/internal/store"
)

// Config configures an Engine.
type Config struct {
	Store *store.Store
	// Cursors persists topic cursors. Defaults to Store.
	Cursors   cursor.Store
	Client    *api.Client
	Validator *membership.Validator
	Resolver  *association.Resolver
	// InboxID and InstallationID identify this installation. InboxID decides
	// which joined groups it publishes commit logs for.
	InboxID        string
	InstallationID string
	// Topics are the streams Run subscribes to.
	Topics  []api.Topic
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Cursors == nil && c.Store != nil {
		c.Cursors = c.Store
	}
	if c.Resolver == nil {
		c.Resolver = association.NewResolver(association.WithLogger(c.Logger))
	}
}

// Engine is the single-writer ingestion loop.
//
// Thread-safety model:
//   - Enqueue() and the retry task: safe from any goroutine
//   - Run() and Process(): must be called from exactly one goroutine
type Engine struct {
	cfg     Config
	tracker *cursor.Tracker
	icebox  *cursor.Icebox[api.Envelope]
	queue   *envelopeQueue

	heldMu sync.Mutex
	held   []api.Envelope
}

// New creates an Engine. Store and Validator are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("engine: membership validator is required")
	}
	cfg.ApplyDefaults()
	return &Engine{
		cfg:     cfg,
		tracker: cursor.NewTracker(),
		icebox:  cursor.NewIcebox[api.Envelope](),
		queue:   newEnvelopeQueue(),
	}, nil
}

// Cursor returns a copy of a topic's cursor as the engine knows it.
func (e *Engine) Cursor(topic api.Topic) cursor.GlobalCursor {
	return e.tracker.Cursor(topic.String())
}

// SubscribePosition returns the position from which every given topic can be
// resumed without losing envelopes: the per-originator minimum of their
// cursors.
func (e *Engine) SubscribePosition(topics ...api.Topic) cursor.GlobalCursor {
	keys := make([]string, len(topics))
	for i, t := range topics {
		keys[i] = t.String()
	}
	return e.tracker.LowestCommon(keys...)
}

// Restore loads persisted cursors and iced envelopes, then releases any iced
// envelope that is already ready. Run calls it before subscribing.
func (e *Engine) Restore(ctx context.Context) error {
	streams, err := e.cfg.Cursors.Streams(ctx)
	if err != nil {
		return fmt.Errorf("restore cursors: %w", err)
	}
	for _, stream := range streams {
		g, err := e.cfg.Cursors.GlobalCursor(ctx, stream)
		if err != nil {
			return fmt.Errorf("restore cursors: %w", err)
		}
		e.tracker.Restore(stream, g)
	}

	orphans, err := e.cfg.Store.Orphans(ctx)
	if err != nil {
		return fmt.Errorf("restore icebox: %w", err)
	}
	var topics []string
	for _, o := range orphans {
		env, err := api.UnmarshalEnvelope(o.Envelope)
		if err != nil {
			return fmt.Errorf("restore icebox %s@%s: %w", o.Stream, o.Cursor, err)
		}
		e.icebox.Ice(cursor.Orphan[api.Envelope]{Topic: o.Stream, Cursor: env.Cursor, DependsOn: env.DependsOn, Item: env})
		if len(topics) == 0 || topics[len(topics)-1] != o.Stream {
			topics = append(topics, o.Stream)
		}
	}
	e.cfg.Metrics.Orphans(e.icebox.Len())
	e.cfg.Logger.Info("engine state restored", "streams", len(streams), "orphans", len(orphans))

	for _, topic := range topics {
		if err := e.release(ctx, topic); err != nil {
			return fmt.Errorf("restore icebox: %w", err)
		}
	}
	return nil
}

// Enqueue submits an envelope for processing by the Run loop.
// Thread-safe: may be called from any goroutine.
//
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(env api.Envelope) bool {
	return e.queue.Enqueue(env)
}

// Run restores state, subscribes to the configured topics and processes
// envelopes until ctx is cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// ERROR HANDLING: An envelope whose processing fails is logged and held;
// the retry task puts it back on the queue.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Client == nil {
		return errors.New("engine: no api client configured")
	}
	if err := e.Restore(ctx); err != nil {
		return err
	}

	filters := make([]api.TopicFilter, len(e.cfg.Topics))
	for i, t := range e.cfg.Topics {
		filters[i] = api.TopicFilter{Topic: t, LastSeen: e.tracker.Cursor(t.String())}
	}
	stream, err := e.cfg.Client.Subscribe(ctx, filters)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	go func() {
		for env := range stream {
			if !e.queue.Enqueue(env) {
				return
			}
		}
	}()

	e.cfg.Logger.Info("engine starting", "topics", len(filters), "backend", e.cfg.Client.Backend().Name())
	for {
		env, ok := e.queue.TryDequeue()
		if ok {
			if err := e.Process(ctx, env); err != nil {
				e.cfg.Logger.Error("envelope processing failed",
					"topic", env.Topic.String(),
					"cursor", env.Cursor.String(),
					"error", err,
				)
				e.hold(env)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.cfg.Logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed.
			if e.queue.Len() == 0 {
				e.cfg.Logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue, which makes Run return.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Process admits one envelope and applies it if it is ready.
// CRITICAL: Called only from the Run goroutine, or in place of Run.
func (e *Engine) Process(ctx context.Context, env api.Envelope) error {
	topic := env.Topic.String()
	adm := e.tracker.Admit(topic, env.Cursor, env.DependsOn)
	e.cfg.Metrics.Admission(env.Topic.Kind.String(), adm.Outcome.String())

	switch adm.Outcome {
	case cursor.Duplicate:
		e.cfg.Logger.Debug("duplicate envelope dropped", "topic", topic, "cursor", env.Cursor.String())
	case cursor.Invalid:
		e.cfg.Logger.Warn("envelope depends on its own position, dropped",
			"topic", topic, "cursor", env.Cursor.String(), "depends_on", env.DependsOn.String())
		return nil
	case cursor.Blocked:
		return e.ice(ctx, topic, env, adm.Missing)
	case cursor.Ready:
		if err := e.consume(ctx, topic, env); err != nil {
			return err
		}
	}
	return e.release(ctx, topic)
}

// consume applies a ready envelope, then advances and persists its topic
// cursor. If persisting fails the tracker is resynchronized from the store.
func (e *Engine) consume(ctx context.Context, topic string, env api.Envelope) error {
	if err := e.apply(ctx, env); err != nil {
		return err
	}
	old := e.tracker.Cursor(topic)
	next := cursor.Advance(old, env.Cursor, env.DependsOn)
	if err := cursor.Persist(ctx, e.cfg.Cursors, topic, old, next); err != nil {
		if stored, lerr := e.cfg.Cursors.GlobalCursor(ctx, topic); lerr == nil {
			e.tracker.Restore(topic, stored)
		}
		return err
	}
	e.tracker.Advance(topic, env.Cursor, env.DependsOn)
	return nil
}

func (e *Engine) ice(ctx context.Context, topic string, env api.Envelope, missing cursor.GlobalCursor) error {
	if !e.icebox.Ice(cursor.Orphan[api.Envelope]{Topic: topic, Cursor: env.Cursor, DependsOn: env.DependsOn, Item: env}) {
		return nil
	}
	data, err := api.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := e.cfg.Store.SaveOrphan(ctx, store.StoredOrphan{Stream: topic, Cursor: env.Cursor, Envelope: data}); err != nil {
		return err
	}
	e.cfg.Logger.Debug("envelope iced",
		"topic", topic, "cursor", env.Cursor.String(), "missing", missing.String())
	e.cfg.Metrics.Orphans(e.icebox.Len())
	return nil
}

// release consumes every iced envelope of topic that became ready. Orphans
// after a failed one are iced again and wait for the next release.
func (e *Engine) release(ctx context.Context, topic string) error {
	before := e.icebox.Orphans(topic)
	if len(before) == 0 {
		return nil
	}

	released, _ := e.icebox.Release(topic, e.tracker.Cursor(topic))
	var err error
	for i, o := range released {
		if err = e.consume(ctx, topic, o.Item); err != nil {
			for _, rest := range released[i:] {
				e.icebox.Ice(rest)
			}
			break
		}
	}

	remaining := make(map[cursor.Cursor]bool)
	for _, o := range e.icebox.Orphans(topic) {
		remaining[o.Cursor] = true
	}
	var gone []cursor.Cursor
	for _, o := range before {
		if !remaining[o.Cursor] {
			gone = append(gone, o.Cursor)
		}
	}
	if derr := e.cfg.Store.DeleteOrphans(ctx, topic, gone); derr != nil {
		err = errors.Join(err, derr)
	}
	if len(gone) > 0 {
		e.cfg.Logger.Debug("iced envelopes released", "topic", topic, "count", len(gone))
	}
	e.cfg.Metrics.Orphans(e.icebox.Len())
	return err
}

func (e *Engine) apply(ctx context.Context, env api.Envelope) error {
	switch p := env.Payload.(type) {
	case api.IdentityUpdatePayload:
		return e.applyIdentityUpdate(ctx, p.Update)
	case api.GroupMessagePayload:
		return e.applyGroupMessage(ctx, p)
	case api.WelcomePayload:
		return e.applyWelcome(ctx, p.Welcome)
	case api.ReaddRequestPayload:
		return e.applyReaddRequest(ctx, p)
	default:
		return fmt.Errorf("apply %s: unknown payload %T", env.Topic, env.Payload)
	}
}

// applyIdentityUpdate stores the update and folds the log into the inbox's
// snapshot, from the snapshot's last update through u. Folding the stored
// range rather than u alone keeps the snapshot equal to resolving the log
// prefix from scratch under either resolver policy. Rejected updates stay in
// the log but do not change the snapshot; the resolver logs why.
func (e *Engine) applyIdentityUpdate(ctx context.Context, u association.IdentityUpdate) error {
	if err := e.cfg.Store.SaveIdentityUpdates(ctx, []association.IdentityUpdate{u}); err != nil {
		return err
	}
	state, _, err := e.cfg.Store.Snapshot(ctx, u.InboxID)
	if err != nil {
		return err
	}
	pending, err := e.unfolded(ctx, state, u)
	if err != nil {
		return err
	}
	next, errs := e.cfg.Resolver.Resolve(state, pending)
	result := identityResult(u, next, errs)
	e.cfg.Metrics.IdentityUpdate(result)
	if next == nil || (state != nil && next.LastSequenceID() == state.LastSequenceID()) {
		return nil
	}
	if err := e.cfg.Store.SaveSnapshot(ctx, next); err != nil {
		return err
	}
	if diff := state.Diff(next); !diff.Empty() {
		e.cfg.Logger.Info("association state changed",
			"inbox_id", u.InboxID,
			"sequence_id", next.LastSequenceID(),
			"added", len(diff.Added),
			"removed", len(diff.Removed),
		)
	}
	return nil
}

// unfolded returns the logged updates of u's inbox after the snapshot up to
// and including u, or the whole logged prefix when there is no snapshot yet.
// An update at or below the snapshot is returned alone so the resolver
// reports it as a replay or out of order.
func (e *Engine) unfolded(ctx context.Context, state *association.AssociationState, u association.IdentityUpdate) ([]association.IdentityUpdate, error) {
	if state != nil && u.SequenceID <= state.LastSequenceID() {
		return []association.IdentityUpdate{u}, nil
	}
	logged, err := e.cfg.Store.IdentityUpdates(ctx, u.InboxID, u.SequenceID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return logged, nil
	}
	var pending []association.IdentityUpdate
	for _, l := range logged {
		if l.SequenceID > state.LastSequenceID() {
			pending = append(pending, l)
		}
	}
	return pending, nil
}

// identityResult labels what became of u: applied, replay or rejected. An
// update behind a strict halt counts as rejected.
func identityResult(u association.IdentityUpdate, next *association.AssociationState, errs []error) string {
	for _, err := range errs {
		var se *association.StateError
		if errors.As(err, &se) && se.SequenceID == u.SequenceID {
			if association.IsReplay(err) {
				return "replay"
			}
			return "rejected"
		}
	}
	if next == nil || next.LastSequenceID() < u.SequenceID {
		return "rejected"
	}
	return "applied"
}

// applyGroupMessage records commits in the local commit log. Application
// message content is opaque here.
func (e *Engine) applyGroupMessage(ctx context.Context, p api.GroupMessagePayload) error {
	if p.Commit == nil {
		return nil
	}
	entry := *p.Commit
	entry.GroupID = p.GroupID
	id, err := e.cfg.Store.AppendLocalCommitLog(ctx, entry)
	if err != nil {
		return err
	}
	if entry.Applied() {
		if err := e.cfg.Store.SetGroupEpoch(ctx, p.GroupID, entry.AppliedEpochNumber); err != nil {
			return err
		}
	}
	e.cfg.Logger.Debug("commit recorded",
		"group_id", p.GroupID,
		"log_sequence_id", id,
		"commit_sequence_id", entry.CommitSequenceID,
		"result", entry.Result.String(),
	)
	return nil
}

// applyReaddRequest records another installation's request to be readded to
// a group. Fork recovery answers it if this installation may.
func (e *Engine) applyReaddRequest(ctx context.Context, p api.ReaddRequestPayload) error {
	if p.InstallationID == e.cfg.InstallationID {
		return nil
	}
	if p.Request.GroupID == "" || p.InstallationID == "" {
		e.cfg.Logger.Warn("malformed readd request dropped",
			"group_id", p.Request.GroupID, "installation_id", p.InstallationID)
		return nil
	}
	if err := e.cfg.Store.MarkReaddRequested(ctx, p.Request.GroupID, p.InboxID, p.InstallationID,
		p.Request.LatestCommitSequenceID); err != nil {
		return err
	}
	e.cfg.Metrics.Readd("received")
	e.cfg.Logger.Info("readd request received",
		"group_id", p.Request.GroupID,
		"inbox_id", p.InboxID,
		"installation_id", p.InstallationID,
		"sequence_id", p.Request.LatestCommitSequenceID,
	)
	return nil
}

// applyWelcome validates a welcome and joins the group. Only retryable
// validation failures keep the welcome unconsumed.
func (e *Engine) applyWelcome(ctx context.Context, w membership.Welcome) error {
	err := e.cfg.Validator.ValidateWelcome(ctx, w)
	switch {
	case err == nil:
		g := w.Join(e.cfg.InboxID)
		if err := e.cfg.Store.SaveGroup(ctx, g); err != nil {
			return err
		}
		// A welcome into the group answers any readd this installation asked for.
		if err := e.cfg.Store.AnswerOwnReadd(ctx, w.GroupID, e.cfg.InstallationID); err != nil {
			return err
		}
		e.cfg.Metrics.Welcome("accepted")
		e.cfg.Logger.Info("welcome accepted",
			"group_id", w.GroupID, "epoch", w.Epoch, "publish_commit_log", g.Publish)
		return nil

	case membership.IsAlreadyProcessed(err):
		e.cfg.Metrics.Welcome("already_processed")
		e.cfg.Logger.Info("welcome already processed", "group_id", w.GroupID, "epoch", w.Epoch)
		return nil

	case membership.IsRetryable(err):
		e.cfg.Metrics.Welcome("retry")
		return fmt.Errorf("welcome for %s: %w", w.GroupID, err)

	default:
		e.cfg.Metrics.Welcome("rejected")
		e.cfg.Logger.Warn("welcome rejected", "group_id", w.GroupID, "epoch", w.Epoch, "error", err)
		return nil
	}
}
