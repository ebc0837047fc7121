package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/commitlog"
)

// Scenario defines a delivery scenario: identity logs, the envelopes
// delivered to the engine, and the state expected afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Backend is "centralized" (default) or "decentralized".
	Backend string `yaml:"backend,omitempty"`

	// Inboxes declares identity logs, built in order with sequence ids
	// starting at 1.
	Inboxes []InboxSpec `yaml:"inboxes"`

	// Network lists inboxes whose whole log the network serves for
	// backfill.
	Network []string `yaml:"network,omitempty"`

	// Deliver is the envelope delivery order.
	Deliver []DeliverStep `yaml:"deliver"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// InboxSpec declares one inbox and its identity log.
type InboxSpec struct {
	Name    string       `yaml:"name"`
	Account string       `yaml:"account"`
	Nonce   uint64       `yaml:"nonce,omitempty"`
	Updates []UpdateSpec `yaml:"updates"`
}

// UpdateSpec is one identity update with a single action.
type UpdateSpec struct {
	// Action is create, add, revoke or change_recovery.
	Action string `yaml:"action"`
	// Member is a "kind:value" identifier: the member added or revoked, or
	// the new recovery identifier.
	Member string `yaml:"member,omitempty"`
	// Signer defaults to the inbox account.
	Signer string `yaml:"signer,omitempty"`
}

// Update action names.
const (
	ActionCreate         = "create"
	ActionAdd            = "add"
	ActionRevoke         = "revoke"
	ActionChangeRecovery = "change_recovery"
)

// DeliverStep is one delivered envelope. Exactly one of Identity, Group and
// Welcome is set.
type DeliverStep struct {
	Identity *IdentityStep `yaml:"identity,omitempty"`
	Group    *GroupStep    `yaml:"group,omitempty"`
	Welcome  *WelcomeStep  `yaml:"welcome,omitempty"`

	// DependsOn maps originator ids to sequence ids the envelope requires.
	DependsOn map[uint32]uint64 `yaml:"depends_on,omitempty"`

	// Expect is the expected admission outcome: ready, blocked, duplicate,
	// invalid or error. Empty skips the check.
	Expect string `yaml:"expect,omitempty"`
}

// IdentityStep delivers update Seq of an inbox's log.
type IdentityStep struct {
	Inbox string `yaml:"inbox"`
	Seq   uint64 `yaml:"seq"`
}

// GroupStep delivers a group message, optionally carrying a commit.
// Originator defaults to the centralized originator for the message kind.
type GroupStep struct {
	Group      string      `yaml:"group"`
	Originator *uint32     `yaml:"originator,omitempty"`
	Seq        uint64      `yaml:"seq"`
	Commit     *CommitSpec `yaml:"commit,omitempty"`
}

// CommitSpec describes the commit carried by a group message.
type CommitSpec struct {
	CommitSeq uint64 `yaml:"commit_seq"`
	// Result defaults to success.
	Result        string `yaml:"result,omitempty"`
	Epoch         uint64 `yaml:"epoch"`
	Authenticator string `yaml:"authenticator,omitempty"`
}

// WelcomeStep delivers a welcome. Members maps inbox names to the sequence
// id the group creator resolved them at.
type WelcomeStep struct {
	Seq           uint64            `yaml:"seq"`
	Group         string            `yaml:"group"`
	Epoch         uint64            `yaml:"epoch"`
	Members       map[string]uint64 `yaml:"members"`
	Installations []string          `yaml:"installations"`
	Failed        []string          `yaml:"failed,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is installations, members, group, cursor, orphans or commits.
	Type string `yaml:"type"`

	// Inbox names the inbox (installations, members, cursor).
	Inbox string `yaml:"inbox,omitempty"`

	// Group names the group (group, cursor, commits).
	Group string `yaml:"group,omitempty"`

	// Expect lists expected installation keys or member identifiers.
	Expect []string `yaml:"expect,omitempty"`

	// Active and Epoch are checked by group assertions when set.
	Active *bool   `yaml:"active,omitempty"`
	Epoch  *uint64 `yaml:"epoch,omitempty"`

	// Cursor is the expected vector (cursor).
	Cursor map[uint32]uint64 `yaml:"cursor,omitempty"`

	// Count is the expected number (orphans, commits).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertInstallations = "installations"
	AssertMembers       = "members"
	AssertGroup         = "group"
	AssertCursor        = "cursor"
	AssertOrphans       = "orphans"
	AssertCommits       = "commits"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// name a step or assertion uses is declared.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := api.ParseBackend(s.Backend); err != nil {
		return err
	}
	if len(s.Deliver) == 0 {
		return fmt.Errorf("deliver list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	logs := map[string]int{}
	for i, inbox := range s.Inboxes {
		if inbox.Name == "" || inbox.Account == "" {
			return fmt.Errorf("inboxes[%d]: name and account are required", i)
		}
		if _, dup := logs[inbox.Name]; dup {
			return fmt.Errorf("inboxes[%d]: duplicate inbox %q", i, inbox.Name)
		}
		for j, u := range inbox.Updates {
			if err := validateUpdate(u); err != nil {
				return fmt.Errorf("inboxes[%d].updates[%d]: %w", i, j, err)
			}
		}
		logs[inbox.Name] = len(inbox.Updates)
	}
	for _, name := range s.Network {
		if _, ok := logs[name]; !ok {
			return fmt.Errorf("network: unknown inbox %q", name)
		}
	}

	for i, step := range s.Deliver {
		if err := validateStep(step, logs); err != nil {
			return fmt.Errorf("deliver[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, logs); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateUpdate(u UpdateSpec) error {
	switch u.Action {
	case ActionCreate:
		return nil
	case ActionAdd, ActionRevoke, ActionChangeRecovery:
		if u.Member == "" {
			return fmt.Errorf("member is required for %s", u.Action)
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q", u.Action)
	}
}

func validateStep(step DeliverStep, logs map[string]int) error {
	set := 0
	for _, p := range []bool{step.Identity != nil, step.Group != nil, step.Welcome != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of identity, group and welcome is required")
	}
	switch step.Expect {
	case "", "ready", "blocked", "duplicate", "invalid", "error":
	default:
		return fmt.Errorf("unknown expect %q", step.Expect)
	}

	switch {
	case step.Identity != nil:
		n, ok := logs[step.Identity.Inbox]
		if !ok {
			return fmt.Errorf("unknown inbox %q", step.Identity.Inbox)
		}
		if step.Identity.Seq == 0 || step.Identity.Seq > uint64(n) {
			return fmt.Errorf("inbox %q has no update %d", step.Identity.Inbox, step.Identity.Seq)
		}
	case step.Group != nil:
		if step.Group.Group == "" || step.Group.Seq == 0 {
			return fmt.Errorf("group and seq are required")
		}
		if c := step.Group.Commit; c != nil && c.Result != "" {
			if _, err := commitlog.ParseResult(c.Result); err != nil {
				return err
			}
		}
	case step.Welcome != nil:
		if step.Welcome.Group == "" || step.Welcome.Seq == 0 {
			return fmt.Errorf("group and seq are required")
		}
		for name := range step.Welcome.Members {
			if _, ok := logs[name]; !ok {
				return fmt.Errorf("unknown inbox %q", name)
			}
		}
	}
	return nil
}

func validateAssertion(a Assertion, logs map[string]int) error {
	needInbox := func() error {
		if _, ok := logs[a.Inbox]; !ok {
			return fmt.Errorf("unknown inbox %q for %s", a.Inbox, a.Type)
		}
		return nil
	}
	switch a.Type {
	case AssertInstallations, AssertMembers:
		return needInbox()
	case AssertGroup, AssertCommits:
		if a.Group == "" {
			return fmt.Errorf("group is required for %s", a.Type)
		}
	case AssertCursor:
		if (a.Inbox == "") == (a.Group == "") {
			return fmt.Errorf("exactly one of inbox and group is required for cursor")
		}
		if a.Inbox != "" {
			return needInbox()
		}
	case AssertOrphans:
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
