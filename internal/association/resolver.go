package association

import (
	"errors"
	"log/slog"
)

// Policy decides what Resolve does when an update is rejected.
type Policy int

const (
	// PolicyLenient drops the rejected update and keeps folding.
	PolicyLenient Policy = iota
	// PolicyStrict stops at the first rejected update. Replays never stop a
	// batch because folding a replay is a no-op. Every reader of an inbox log
	// folds it from the last folded update onward, so under this policy an
	// inbox's state halts at its first rejected update for every reader.
	PolicyStrict
)

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "lenient":
		return PolicyLenient, nil
	case "strict":
		return PolicyStrict, nil
	default:
		return 0, errors.New("unknown resolver policy " + s)
	}
}

func (p Policy) String() string {
	if p == PolicyStrict {
		return "strict"
	}
	return "lenient"
}

// Resolver folds identity updates into AssociationStates.
// A Resolver holds no state of its own and is safe for concurrent use.
type Resolver struct {
	policy Policy
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolicy sets the rejection policy.
func WithPolicy(p Policy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithLogger sets the logger used for rejected updates.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver. The default policy is PolicyLenient.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{policy: PolicyLenient}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy { return r.policy }

// Resolve folds updates, in the given order, onto initial. initial may be nil
// when the first update creates the inbox.
//
// The returned errors list every update that was not folded, in input order.
// Replays are included so callers can count them, but never abort a strict
// batch. The returned state is nil only when no update created the inbox.
func (r *Resolver) Resolve(initial *AssociationState, updates []IdentityUpdate) (*AssociationState, []error) {
	state := initial
	var errs []error
	for _, u := range updates {
		next, err := ApplyUpdate(state, u)
		if err != nil {
			errs = append(errs, err)
			if IsReplay(err) {
				r.logger.Debug("identity update replayed",
					"inbox_id", u.InboxID, "sequence_id", u.SequenceID)
				continue
			}
			r.logger.Warn("identity update rejected",
				"inbox_id", u.InboxID,
				"sequence_id", u.SequenceID,
				"originator_id", u.OriginatorID,
				"error", err)
			if r.policy == PolicyStrict {
				return state, errs
			}
			continue
		}
		state = next
	}
	return state, errs
}

// ApplyUpdate folds a single update onto state and returns the new state.
// On error the input state is the current state; it is never modified.
//
// Authority for RevokeAssociation and ChangeRecoveryAddress is checked against
// the recovery identifier as of the start of the update, so an update may
// hand over recovery and revoke the old recovery identifier in either order.
// After all actions the recovery identifier must still be a member.
func ApplyUpdate(state *AssociationState, u IdentityUpdate) (*AssociationState, error) {
	if len(u.Actions) == 0 {
		return nil, newError(ErrCodeInvalidUpdate, u, "update has no actions")
	}
	hash, err := u.EventHash()
	if err != nil {
		return nil, newError(ErrCodeInvalidUpdate, u, "%v", err)
	}
	if state != nil {
		if state.HasSeen(hash) {
			return nil, newError(ErrCodeReplayDetected, u, "event %s already applied", hash)
		}
		if u.InboxID != state.inboxID {
			return nil, newError(ErrCodeInvalidUpdate, u, "update for inbox %s applied to %s", u.InboxID, state.inboxID)
		}
		if u.SequenceID <= state.lastSequenceID {
			return nil, newError(ErrCodeOutOfOrder, u, "sequence id %d does not follow %d", u.SequenceID, state.lastSequenceID)
		}
	}

	f := &fold{update: u}
	if state != nil {
		f.draft = state.clone()
		f.recoveryAtStart = state.recovery
	}
	for _, a := range u.Actions {
		if err := f.apply(a); err != nil {
			return nil, err
		}
	}
	if f.draft == nil {
		return nil, newError(ErrCodeNotFound, u, "inbox %s does not exist", u.InboxID)
	}
	if !f.draft.IsMember(f.draft.recovery) {
		return nil, recoveryRevocationError{newError(ErrCodeNotFound, u,
			"recovery identifier %s would be revoked", f.draft.recovery)}
	}
	f.draft.seenEvents[hash] = struct{}{}
	f.draft.lastSequenceID = u.SequenceID
	return f.draft, nil
}

// fold applies the actions of one update to a private draft.
type fold struct {
	update          IdentityUpdate
	draft           *AssociationState
	recoveryAtStart MemberIdentifier
}

func (f *fold) apply(a Action) error {
	u := f.update
	if a.Kind() != ActionCreateInbox && f.draft == nil {
		return newError(ErrCodeNotFound, u, "inbox %s does not exist", u.InboxID)
	}
	switch a := a.(type) {
	case CreateInbox:
		if f.draft != nil {
			return newError(ErrCodeUnauthorized, u, "inbox %s already exists", f.draft.inboxID)
		}
		if !a.Account.Valid() || a.Account.Kind == KindInstallation {
			return newError(ErrCodeInvalidUpdate, u, "inbox account %q must be an address or passkey", a.Account)
		}
		if id := InboxID(a.Account, a.Nonce); id != u.InboxID {
			return newError(ErrCodeInvalidUpdate, u, "create inbox derives %s, update names %s", id, u.InboxID)
		}
		f.draft = &AssociationState{
			inboxID: u.InboxID,
			members: map[MemberIdentifier]Entity{
				a.Account: {
					Identifier:        a.Account,
					Role:              a.Account.Role(),
					ClientTimestampNs: u.ClientTimestampNs,
				},
			},
			recovery:   a.Account,
			seenEvents: map[string]struct{}{},
		}
		f.recoveryAtStart = a.Account

	case AddAssociation:
		if !a.NewMember.Valid() {
			return newError(ErrCodeInvalidUpdate, u, "invalid new member %q", a.NewMember)
		}
		if a.NewMember == a.ExistingMember {
			return newError(ErrCodeUnauthorized, u, "%s cannot add itself", a.NewMember)
		}
		if !f.draft.IsMember(a.ExistingMember) {
			return newError(ErrCodeUnauthorized, u, "signer %s is not a member", a.ExistingMember)
		}
		if f.draft.IsMember(a.NewMember) {
			return nil
		}
		addedBy := a.ExistingMember
		f.draft.members[a.NewMember] = Entity{
			Identifier:        a.NewMember,
			Role:              a.NewMember.Role(),
			AddedBy:           &addedBy,
			ClientTimestampNs: u.ClientTimestampNs,
		}

	case RevokeAssociation:
		if a.Signer != f.recoveryAtStart {
			return newError(ErrCodeUnauthorized, u, "signer %s is not the recovery identifier", a.Signer)
		}
		delete(f.draft.members, a.Revoked)
		// Installations authorized by the revoked identifier go with it.
		for id, e := range f.draft.members {
			if id.Kind == KindInstallation && e.AddedBy != nil && *e.AddedBy == a.Revoked {
				delete(f.draft.members, id)
			}
		}

	case ChangeRecoveryAddress:
		if a.Signer != f.recoveryAtStart {
			return newError(ErrCodeUnauthorized, u, "signer %s is not the recovery identifier", a.Signer)
		}
		if !f.draft.IsMember(a.New) {
			return newError(ErrCodeNotFound, u, "new recovery identifier %s is not a member", a.New)
		}
		f.draft.recovery = a.New

	default:
		return newError(ErrCodeInvalidUpdate, u, "unsupported action %T", a)
	}
	return nil
}
