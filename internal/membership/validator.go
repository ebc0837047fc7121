package membership

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/mlscore/internal/association"
)

// IdentityFetcher fetches identity updates for an inbox from the network.
type IdentityFetcher interface {
	GetIdentityUpdates(ctx context.Context, inboxID string, afterSequenceID uint64) ([]association.IdentityUpdate, error)
}

// IdentityLog is the local, persisted identity-update log.
type IdentityLog interface {
	// IdentityUpdates returns the inbox's updates with sequence id <= upTo,
	// in ascending sequence order.
	IdentityUpdates(ctx context.Context, inboxID string, upTo uint64) ([]association.IdentityUpdate, error)
	// LatestIdentitySequenceID returns the highest stored sequence id, 0 if none.
	LatestIdentitySequenceID(ctx context.Context, inboxID string) (uint64, error)
	// SaveIdentityUpdates stores updates, ignoring ones already present.
	SaveIdentityUpdates(ctx context.Context, updates []association.IdentityUpdate) error
}

// GroupLookup reads local group records.
type GroupLookup interface {
	Group(ctx context.Context, groupID string) (Group, bool, error)
}

// Config configures a Validator.
type Config struct {
	Log      IdentityLog
	Fetcher  IdentityFetcher
	Groups   GroupLookup
	Resolver *association.Resolver

	// CacheSize bounds the (inbox, sequence id) state cache.
	CacheSize int
	// Concurrency bounds parallel inbox resolution.
	Concurrency int

	Logger *slog.Logger
}

const (
	DefaultCacheSize   = 1024
	DefaultConcurrency = 8
)

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Resolver == nil {
		c.Resolver = association.NewResolver()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type stateKey struct {
	inboxID    string
	sequenceID uint64
}

// Validator computes expected memberships and validates welcomes.
// It is safe for concurrent use.
type Validator struct {
	cfg   Config
	cache *lru.Cache[stateKey, *association.AssociationState]

	// fetches collapses concurrent backfills of one inbox into one request.
	// Different inboxes are fetched in parallel.
	fetches singleflight.Group
}

// NewValidator creates a validator.
func NewValidator(cfg Config) (*Validator, error) {
	cfg.ApplyDefaults()
	if cfg.Log == nil {
		return nil, fmt.Errorf("membership validator: identity log is required")
	}
	cache, err := lru.New[stateKey, *association.AssociationState](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("membership validator: %w", err)
	}
	return &Validator{cfg: cfg, cache: cache}, nil
}

// StateAt resolves an inbox as of sequenceID, backfilling the local log from
// the network when it does not reach that far yet.
func (v *Validator) StateAt(ctx context.Context, inboxID string, sequenceID uint64) (*association.AssociationState, error) {
	key := stateKey{inboxID: inboxID, sequenceID: sequenceID}
	if s, ok := v.cache.Get(key); ok {
		return s, nil
	}

	if err := v.backfill(ctx, inboxID, sequenceID); err != nil {
		return nil, err
	}
	updates, err := v.cfg.Log.IdentityUpdates(ctx, inboxID, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("load identity updates for %s: %w", inboxID, err)
	}
	state, errs := v.cfg.Resolver.Resolve(nil, updates)
	if state == nil {
		return nil, &GroupError{
			Code:    ErrCodeUnresolvableInbox,
			Message: fmt.Sprintf("inbox %s has no state at sequence %d (%d rejected updates)", inboxID, sequenceID, len(errs)),
		}
	}
	v.cache.Add(key, state)
	return state, nil
}

func (v *Validator) backfill(ctx context.Context, inboxID string, sequenceID uint64) error {
	latest, err := v.cfg.Log.LatestIdentitySequenceID(ctx, inboxID)
	if err != nil {
		return fmt.Errorf("latest identity sequence for %s: %w", inboxID, err)
	}
	if latest >= sequenceID {
		return nil
	}
	if v.cfg.Fetcher == nil {
		return &GroupError{
			Code:    ErrCodeMissingIdentityUpdates,
			Message: fmt.Sprintf("inbox %s is at %d, need %d and no fetcher is configured", inboxID, latest, sequenceID),
		}
	}

	if _, err, _ := v.fetches.Do(inboxID, func() (any, error) {
		return nil, v.fetch(ctx, inboxID)
	}); err != nil {
		return err
	}

	latest, err = v.cfg.Log.LatestIdentitySequenceID(ctx, inboxID)
	if err != nil {
		return fmt.Errorf("latest identity sequence for %s: %w", inboxID, err)
	}
	if latest < sequenceID {
		return &GroupError{
			Code:    ErrCodeMissingIdentityUpdates,
			Message: fmt.Sprintf("inbox %s is at %d after backfill, need %d", inboxID, latest, sequenceID),
		}
	}
	return nil
}

// fetch stores every update of inboxID the network has beyond the local log.
func (v *Validator) fetch(ctx context.Context, inboxID string) error {
	latest, err := v.cfg.Log.LatestIdentitySequenceID(ctx, inboxID)
	if err != nil {
		return fmt.Errorf("latest identity sequence for %s: %w", inboxID, err)
	}
	v.cfg.Logger.Debug("backfilling identity updates", "inbox_id", inboxID, "after", latest)
	fetched, err := v.cfg.Fetcher.GetIdentityUpdates(ctx, inboxID, latest)
	if err != nil {
		return &GroupError{
			Code:    ErrCodeMissingIdentityUpdates,
			Message: fmt.Sprintf("fetch identity updates for %s", inboxID),
			err:     err,
		}
	}
	if err := v.cfg.Log.SaveIdentityUpdates(ctx, fetched); err != nil {
		return fmt.Errorf("save identity updates for %s: %w", inboxID, err)
	}
	return nil
}

// ExpectedMembership resolves every inbox in m concurrently and unions their
// installations.
func (v *Validator) ExpectedMembership(ctx context.Context, m GroupMembership) (ExpectedMembership, error) {
	inboxes := m.InboxIDs()
	states := make([]*association.AssociationState, len(inboxes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Concurrency)
	for i, inboxID := range inboxes {
		g.Go(func() error {
			s, err := v.StateAt(gctx, inboxID, m.Members[inboxID])
			if err != nil {
				return err
			}
			states[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ExpectedMembership{}, err
	}

	expected := ExpectedMembership{
		Installations: InstallationSet{},
		Failed:        NewInstallationSet(m.FailedInstallations...),
	}
	for _, s := range states {
		for _, key := range s.Installations() {
			expected.Installations[key] = struct{}{}
		}
	}
	return expected, nil
}

// ValidateWelcome decides whether w may be accepted.
//
// A welcome for a group that is already active locally at the same or a later
// epoch returns ErrWelcomeAlreadyProcessed. Otherwise the welcome's actual
// installations must equal the expected membership.
func (v *Validator) ValidateWelcome(ctx context.Context, w Welcome) error {
	if v.cfg.Groups != nil {
		existing, ok, err := v.cfg.Groups.Group(ctx, w.GroupID)
		if err != nil {
			return fmt.Errorf("lookup group %s: %w", w.GroupID, err)
		}
		if ok && existing.Active && existing.Epoch >= w.Epoch {
			return &GroupError{
				Code:    ErrCodeWelcomeAlreadyProcessed,
				Message: fmt.Sprintf("group is active at epoch %d, welcome is for epoch %d", existing.Epoch, w.Epoch),
				GroupID: w.GroupID,
			}
		}
	}

	expected, err := v.ExpectedMembership(ctx, w.Membership)
	if err != nil {
		return err
	}
	if err := Validate(expected, NewInstallationSet(w.Installations...)); err != nil {
		if ge, ok := err.(*GroupError); ok {
			ge.GroupID = w.GroupID
			v.cfg.Logger.Warn("welcome membership mismatch",
				"group_id", w.GroupID,
				"unexpected", ge.Unexpected,
				"missing", ge.Missing)
		}
		return err
	}
	return nil
}
