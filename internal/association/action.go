package association

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/mlscore/internal/ir"
)

// ActionKind discriminates the Action sum type.
type ActionKind string

const (
	ActionCreateInbox           ActionKind = "create_inbox"
	ActionAddAssociation        ActionKind = "add_association"
	ActionRevokeAssociation     ActionKind = "revoke_association"
	ActionChangeRecoveryAddress ActionKind = "change_recovery_address"
)

// Action is one change bundled in an IdentityUpdate.
// The set of implementations is closed.
type Action interface {
	Kind() ActionKind
	canonical() ir.IRObject
}

// CreateInbox creates the inbox for an account. The inbox id is derived from
// the account and nonce, see InboxID.
type CreateInbox struct {
	Nonce   uint64
	Account MemberIdentifier
}

// AddAssociation adds NewMember, authorized by ExistingMember.
type AddAssociation struct {
	NewMember      MemberIdentifier
	ExistingMember MemberIdentifier
}

// RevokeAssociation removes Revoked, authorized by the recovery identifier.
type RevokeAssociation struct {
	Revoked MemberIdentifier
	Signer  MemberIdentifier
}

// ChangeRecoveryAddress moves recovery authority to New.
type ChangeRecoveryAddress struct {
	New    MemberIdentifier
	Signer MemberIdentifier
}

func (CreateInbox) Kind() ActionKind           { return ActionCreateInbox }
func (AddAssociation) Kind() ActionKind        { return ActionAddAssociation }
func (RevokeAssociation) Kind() ActionKind     { return ActionRevokeAssociation }
func (ChangeRecoveryAddress) Kind() ActionKind { return ActionChangeRecoveryAddress }

func (a CreateInbox) canonical() ir.IRObject {
	return ir.IRObject{
		"kind":    ir.IRString(a.Kind()),
		"nonce":   ir.Uint64(a.Nonce),
		"account": a.Account.canonical(),
	}
}

func (a AddAssociation) canonical() ir.IRObject {
	return ir.IRObject{
		"kind":            ir.IRString(a.Kind()),
		"new_member":      a.NewMember.canonical(),
		"existing_member": a.ExistingMember.canonical(),
	}
}

func (a RevokeAssociation) canonical() ir.IRObject {
	return ir.IRObject{
		"kind":    ir.IRString(a.Kind()),
		"revoked": a.Revoked.canonical(),
		"signer":  a.Signer.canonical(),
	}
}

func (a ChangeRecoveryAddress) canonical() ir.IRObject {
	return ir.IRObject{
		"kind":   ir.IRString(a.Kind()),
		"new":    a.New.canonical(),
		"signer": a.Signer.canonical(),
	}
}

// InboxID derives the inbox id that CreateInbox{nonce, account} creates.
func InboxID(account MemberIdentifier, nonce uint64) string {
	return ir.InboxID(account.Kind.String(), account.Value, nonce)
}

// IdentityUpdate is a signed bundle of actions for one inbox.
//
// SequenceID and OriginatorID are assigned by the relay network. They are not
// part of the event hash: the same signed update relayed twice is one event.
type IdentityUpdate struct {
	InboxID           string
	SequenceID        uint64
	OriginatorID      uint32
	ClientTimestampNs uint64
	Actions           []Action
}

// EventHash returns the content hash recorded in SeenEvents.
func (u IdentityUpdate) EventHash() (string, error) {
	actions := make(ir.IRArray, len(u.Actions))
	for i, a := range u.Actions {
		if a == nil {
			return "", fmt.Errorf("event hash: action %d is nil", i)
		}
		actions[i] = a.canonical()
	}
	return ir.Hash(ir.DomainIdentityUpdate, ir.IRObject{
		"inbox_id":            ir.IRString(u.InboxID),
		"client_timestamp_ns": ir.Uint64(u.ClientTimestampNs),
		"actions":             actions,
	})
}

// wireUpdate is the persisted JSON form of an IdentityUpdate.
type wireUpdate struct {
	InboxID           string       `json:"inbox_id"`
	SequenceID        uint64       `json:"sequence_id"`
	OriginatorID      uint32       `json:"originator_id"`
	ClientTimestampNs uint64       `json:"client_timestamp_ns"`
	Actions           []wireAction `json:"actions"`
}

type wireAction struct {
	Kind           ActionKind        `json:"kind"`
	Nonce          uint64            `json:"nonce,omitempty"`
	Account        *MemberIdentifier `json:"account,omitempty"`
	NewMember      *MemberIdentifier `json:"new_member,omitempty"`
	ExistingMember *MemberIdentifier `json:"existing_member,omitempty"`
	Revoked        *MemberIdentifier `json:"revoked,omitempty"`
	Signer         *MemberIdentifier `json:"signer,omitempty"`
	New            *MemberIdentifier `json:"new,omitempty"`
}

// MarshalJSON encodes the update with tagged actions.
func (u IdentityUpdate) MarshalJSON() ([]byte, error) {
	w := wireUpdate{
		InboxID:           u.InboxID,
		SequenceID:        u.SequenceID,
		OriginatorID:      u.OriginatorID,
		ClientTimestampNs: u.ClientTimestampNs,
		Actions:           make([]wireAction, 0, len(u.Actions)),
	}
	for _, a := range u.Actions {
		switch a := a.(type) {
		case CreateInbox:
			w.Actions = append(w.Actions, wireAction{Kind: a.Kind(), Nonce: a.Nonce, Account: &a.Account})
		case AddAssociation:
			w.Actions = append(w.Actions, wireAction{Kind: a.Kind(), NewMember: &a.NewMember, ExistingMember: &a.ExistingMember})
		case RevokeAssociation:
			w.Actions = append(w.Actions, wireAction{Kind: a.Kind(), Revoked: &a.Revoked, Signer: &a.Signer})
		case ChangeRecoveryAddress:
			w.Actions = append(w.Actions, wireAction{Kind: a.Kind(), New: &a.New, Signer: &a.Signer})
		default:
			return nil, fmt.Errorf("marshal update: unsupported action %T", a)
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (u *IdentityUpdate) UnmarshalJSON(data []byte) error {
	var w wireUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	actions := make([]Action, 0, len(w.Actions))
	for i, wa := range w.Actions {
		a, err := wa.action()
		if err != nil {
			return fmt.Errorf("unmarshal update: action %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	*u = IdentityUpdate{
		InboxID:           w.InboxID,
		SequenceID:        w.SequenceID,
		OriginatorID:      w.OriginatorID,
		ClientTimestampNs: w.ClientTimestampNs,
		Actions:           actions,
	}
	return nil
}

func (wa wireAction) action() (Action, error) {
	need := func(ids ...*MemberIdentifier) error {
		for _, id := range ids {
			if id == nil {
				return fmt.Errorf("%s: missing identifier", wa.Kind)
			}
		}
		return nil
	}
	switch wa.Kind {
	case ActionCreateInbox:
		if err := need(wa.Account); err != nil {
			return nil, err
		}
		return CreateInbox{Nonce: wa.Nonce, Account: *wa.Account}, nil
	case ActionAddAssociation:
		if err := need(wa.NewMember, wa.ExistingMember); err != nil {
			return nil, err
		}
		return AddAssociation{NewMember: *wa.NewMember, ExistingMember: *wa.ExistingMember}, nil
	case ActionRevokeAssociation:
		if err := need(wa.Revoked, wa.Signer); err != nil {
			return nil, err
		}
		return RevokeAssociation{Revoked: *wa.Revoked, Signer: *wa.Signer}, nil
	case ActionChangeRecoveryAddress:
		if err := need(wa.New, wa.Signer); err != nil {
			return nil, err
		}
		return ChangeRecoveryAddress{New: *wa.New, Signer: *wa.Signer}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", wa.Kind)
	}
}
