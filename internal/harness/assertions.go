package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/cursor"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s %s -> %s", event.Step, event.TopicKind, event.Target, event.Cursor, event.Outcome)
		if event.Error != "" {
			fmt.Fprintf(&buf, " (%s)", event.Error)
		}
		buf.WriteString("\n")
	}

	return buf.String()
}

// evaluate checks one assertion against the harness's final state.
func (h *Harness) evaluate(ctx context.Context, a Assertion, trace []TraceEvent) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: trace}
	}

	switch a.Type {
	case AssertInstallations, AssertMembers:
		state, ok, err := h.store.Snapshot(ctx, h.inboxes[a.Inbox])
		if err != nil {
			return err
		}
		var actual []string
		if ok {
			if a.Type == AssertInstallations {
				actual = state.Installations()
			} else {
				for _, id := range state.Identifiers() {
					actual = append(actual, id.String())
				}
			}
		}
		if !sameSet(a.Expect, actual) {
			return fail(fmt.Sprintf("%s of %s = %v", a.Type, a.Inbox, sorted(a.Expect)),
				fmt.Sprintf("%v", sorted(actual)))
		}
		return nil

	case AssertGroup:
		g, ok, err := h.store.Group(ctx, a.Group)
		if err != nil {
			return err
		}
		if !ok {
			return fail(fmt.Sprintf("group %s exists", a.Group), "no such group")
		}
		if a.Active != nil && g.Active != *a.Active {
			return fail(fmt.Sprintf("group %s active=%t", a.Group, *a.Active), fmt.Sprintf("active=%t", g.Active))
		}
		if a.Epoch != nil && g.Epoch != *a.Epoch {
			return fail(fmt.Sprintf("group %s epoch=%d", a.Group, *a.Epoch), fmt.Sprintf("epoch=%d", g.Epoch))
		}
		if a.Expect != nil && !sameSet(a.Expect, g.Installations) {
			return fail(fmt.Sprintf("group %s installations %v", a.Group, sorted(a.Expect)),
				fmt.Sprintf("%v", sorted(g.Installations)))
		}
		return nil

	case AssertCursor:
		topic := api.GroupTopic(a.Group)
		label := a.Group
		if a.Inbox != "" {
			topic = api.IdentityTopic(h.inboxes[a.Inbox])
			label = a.Inbox
		}
		actual, err := h.store.GlobalCursor(ctx, topic.String())
		if err != nil {
			return err
		}
		expected := cursor.GlobalCursor(a.Cursor)
		if !maps.Equal(expected, actual) {
			return fail(fmt.Sprintf("cursor of %s %s = %s", topic.Kind, label, expected), actual.String())
		}
		return nil

	case AssertOrphans:
		orphans, err := h.store.Orphans(ctx)
		if err != nil {
			return err
		}
		if len(orphans) != a.Count {
			return fail(fmt.Sprintf("%d envelope(s) waiting on dependencies", a.Count), fmt.Sprintf("%d", len(orphans)))
		}
		return nil

	case AssertCommits:
		entries, err := h.store.LocalEntriesAfter(ctx, a.Group, 0)
		if err != nil {
			return err
		}
		if len(entries) != a.Count {
			return fail(fmt.Sprintf("%d local commit log entries for %s", a.Count, a.Group), fmt.Sprintf("%d", len(entries)))
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func sameSet(expected, actual []string) bool {
	return slices.Equal(sorted(expected), sorted(actual))
}

func sorted(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	if out == nil {
		out = []string{}
	}
	return out
}
