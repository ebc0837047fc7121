package association

import (
	"fmt"
	"strings"

	"github.com/roach88/mlscore/internal/ir"
)

// MemberKind discriminates the MemberIdentifier sum type.
type MemberKind int

const (
	KindEthereumAddress MemberKind = iota + 1
	KindPasskey
	KindInstallation
)

// String returns the stable wire name of the kind.
func (k MemberKind) String() string {
	switch k {
	case KindEthereumAddress:
		return "ethereum_address"
	case KindPasskey:
		return "passkey"
	case KindInstallation:
		return "installation"
	default:
		return "unknown"
	}
}

func parseMemberKind(s string) (MemberKind, error) {
	switch s {
	case "ethereum_address":
		return KindEthereumAddress, nil
	case "passkey":
		return KindPasskey, nil
	case "installation":
		return KindInstallation, nil
	default:
		return 0, fmt.Errorf("unknown member kind %q", s)
	}
}

// Role is the part an identifier plays in an inbox.
type Role int

const (
	RoleAddress Role = iota + 1
	RoleInstallation
)

func (r Role) String() string {
	switch r {
	case RoleAddress:
		return "address"
	case RoleInstallation:
		return "installation"
	default:
		return "unknown"
	}
}

// MemberIdentifier identifies one member of an inbox.
// It is a comparable value and may be used as a map key.
type MemberIdentifier struct {
	Kind  MemberKind
	Value string
}

// Address returns an Ethereum address identifier. Hex is lower-cased so the
// same address always compares equal.
func Address(addr string) MemberIdentifier {
	return MemberIdentifier{Kind: KindEthereumAddress, Value: strings.ToLower(addr)}
}

// Passkey returns a passkey public key identifier (hex encoded).
func Passkey(publicKey string) MemberIdentifier {
	return MemberIdentifier{Kind: KindPasskey, Value: strings.ToLower(publicKey)}
}

// Installation returns an installation public key identifier (hex encoded).
func Installation(publicKey string) MemberIdentifier {
	return MemberIdentifier{Kind: KindInstallation, Value: strings.ToLower(publicKey)}
}

// Valid reports whether the identifier has a known kind and a value.
func (m MemberIdentifier) Valid() bool {
	return m.Kind >= KindEthereumAddress && m.Kind <= KindInstallation && m.Value != ""
}

// Role derives the role from the kind. Passkeys act as addresses.
func (m MemberIdentifier) Role() Role {
	if m.Kind == KindInstallation {
		return RoleInstallation
	}
	return RoleAddress
}

func (m MemberIdentifier) String() string {
	return m.Kind.String() + ":" + m.Value
}

// MarshalText encodes the identifier as "kind:value".
func (m MemberIdentifier) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("marshal identifier: invalid identifier %q", m.String())
	}
	return []byte(m.String()), nil
}

// UnmarshalText parses "kind:value". The value is lower-cased like the
// constructors do, so decoded identifiers compare equal to constructed ones.
func (m *MemberIdentifier) UnmarshalText(text []byte) error {
	kind, value, ok := strings.Cut(string(text), ":")
	if !ok || value == "" {
		return fmt.Errorf("unmarshal identifier: malformed %q", text)
	}
	k, err := parseMemberKind(kind)
	if err != nil {
		return fmt.Errorf("unmarshal identifier: %w", err)
	}
	*m = MemberIdentifier{Kind: k, Value: strings.ToLower(value)}
	return nil
}

// less orders identifiers by kind then value.
func (m MemberIdentifier) less(o MemberIdentifier) bool {
	if m.Kind != o.Kind {
		return m.Kind < o.Kind
	}
	return m.Value < o.Value
}

func compareIdentifiers(a, b MemberIdentifier) int {
	switch {
	case a.less(b):
		return -1
	case b.less(a):
		return 1
	}
	return 0
}

func (m MemberIdentifier) canonical() ir.IRObject {
	return ir.IRObject{
		"kind":  ir.IRString(m.Kind.String()),
		"value": ir.IRString(m.Value),
	}
}

// Entity is one member of an inbox.
type Entity struct {
	Identifier MemberIdentifier
	Role       Role
	// AddedBy is the member that authorized this one. It is a reference by id,
	// nil for the account that created the inbox.
	AddedBy *MemberIdentifier
	// ClientTimestampNs is the timestamp of the update that added the member.
	ClientTimestampNs uint64
}

func (e Entity) canonical() ir.IRObject {
	obj := ir.IRObject{
		"identifier":          e.Identifier.canonical(),
		"role":                ir.IRString(e.Role.String()),
		"client_timestamp_ns": ir.Uint64(e.ClientTimestampNs),
	}
	if e.AddedBy != nil {
		obj["added_by"] = e.AddedBy.canonical()
	}
	return obj
}
