package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/cursor"
	"github.com/roach88/mlscore/internal/membership"
)

// InboxReport is the resolved state of one inbox.
type InboxReport struct {
	InboxID        string         `json:"inbox_id"`
	Recovery       string         `json:"recovery"`
	LastSequenceID uint64         `json:"last_sequence_id"`
	Digest         string         `json:"digest"`
	Members        []MemberReport `json:"members"`
	// Source is "snapshot" or "log" (resolved with --at).
	Source string `json:"source"`
}

type MemberReport struct {
	Identifier string `json:"identifier"`
	Role       string `json:"role"`
	AddedBy    string `json:"added_by,omitempty"`
}

func newInboxReport(state *association.AssociationState, source string) InboxReport {
	r := InboxReport{
		InboxID:        state.InboxID(),
		Recovery:       state.RecoveryIdentifier().String(),
		LastSequenceID: state.LastSequenceID(),
		Digest:         state.Digest(),
		Source:         source,
	}
	for _, e := range state.Members() {
		m := MemberReport{Identifier: e.Identifier.String(), Role: e.Role.String()}
		if e.AddedBy != nil {
			m.AddedBy = e.AddedBy.String()
		}
		r.Members = append(r.Members, m)
	}
	return r
}

func (r InboxReport) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Inbox: %s\n", r.InboxID)
	fmt.Fprintf(w, "  Recovery: %s\n", r.Recovery)
	fmt.Fprintf(w, "  Sequence: %d (%s)\n", r.LastSequenceID, r.Source)
	if verbose {
		fmt.Fprintf(w, "  Digest: %s\n", r.Digest)
	}
	fmt.Fprintf(w, "  Members: %d\n", len(r.Members))
	for _, m := range r.Members {
		if m.AddedBy != "" {
			fmt.Fprintf(w, "    %s (%s, added by %s)\n", m.Identifier, m.Role, m.AddedBy)
			continue
		}
		fmt.Fprintf(w, "    %s (%s)\n", m.Identifier, m.Role)
	}
}

// CursorReport lists stream cursors and the position a subscription to all
// of them could resume from.
type CursorReport struct {
	Streams      map[string]map[uint32]uint64 `json:"streams"`
	LowestCommon map[uint32]uint64            `json:"lowest_common"`
	order        []string
}

func (r CursorReport) renderText(w io.Writer, _ bool) {
	if len(r.order) == 0 {
		fmt.Fprintln(w, "No cursors stored.")
		return
	}
	for _, s := range r.order {
		fmt.Fprintf(w, "%s %s\n", s, cursor.GlobalCursor(r.Streams[s]))
	}
	fmt.Fprintf(w, "lowest common %s\n", cursor.GlobalCursor(r.LowestCommon))
}

// GroupReport is one local group record.
type GroupReport struct {
	ID            string   `json:"id"`
	Epoch         uint64   `json:"epoch"`
	Active        bool     `json:"active"`
	Members       int      `json:"members"`
	Installations []string `json:"installations"`
	// Forked is "yes", "no" or "unknown".
	Forked string `json:"forked"`
}

type GroupsReport []GroupReport

func (r GroupsReport) renderText(w io.Writer, verbose bool) {
	if len(r) == 0 {
		fmt.Fprintln(w, "No groups stored.")
		return
	}
	for _, g := range r {
		state := "active"
		if !g.Active {
			state = "inactive"
		}
		fmt.Fprintf(w, "%s epoch=%d %s forked=%s members=%d\n", g.ID, g.Epoch, state, g.Forked, g.Members)
		if verbose {
			fmt.Fprintf(w, "  installations: %s\n", strings.Join(g.Installations, ", "))
		}
	}
}

// NewInspectCommand creates the inspect command and its subcommands.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show stored inbox state, cursors and groups",
	}
	cmd.AddCommand(newInspectInboxCommand(rootOpts))
	cmd.AddCommand(newInspectCursorsCommand(rootOpts))
	cmd.AddCommand(newInspectGroupsCommand(rootOpts))
	return cmd
}

func newInspectInboxCommand(rootOpts *RootOptions) *cobra.Command {
	var at uint64
	cmd := &cobra.Command{
		Use:   "inbox <inbox-id>",
		Short: "Show an inbox's association state",
		Long: `Show the members and recovery identifier of an inbox.

Without --at the stored snapshot is shown. With --at the identity log is
resolved from scratch up to and including that sequence id.

Examples:
  mlscore inspect inbox --db ./mlscore.db 3f2a...
  mlscore inspect inbox --db ./mlscore.db --at 4 3f2a...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspectInbox(rootOpts, cmd, args[0], at)
		},
	}
	cmd.Flags().Uint64Var(&at, "at", 0, "resolve the identity log up to this sequence id")
	return cmd
}

func runInspectInbox(opts *RootOptions, cmd *cobra.Command, inboxID string, at uint64) error {
	ctx := commandContext(cmd)
	env, err := openEnvironment(opts, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	var state *association.AssociationState
	source := "snapshot"
	if at > 0 {
		source = "log"
		updates, err := env.store.IdentityUpdates(ctx, inboxID, at)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read identity log", err)
		}
		state, _ = env.resolver().Resolve(nil, updates)
	} else {
		state, _, err = env.store.Snapshot(ctx, inboxID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read snapshot", err)
		}
	}
	if state == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("inbox %s not found", inboxID))
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return out.Success(newInboxReport(state, source))
}

func newInspectCursorsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cursors [stream...]",
		Short: "Show persisted stream cursors",
		Long: `Show the persisted cursor of each stream (all streams when none are given)
and their per-originator minimum, the position from which one subscription
covering all of them could resume without losing envelopes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspectCursors(rootOpts, cmd, args)
		},
	}
}

func runInspectCursors(opts *RootOptions, cmd *cobra.Command, streams []string) error {
	ctx := commandContext(cmd)
	env, err := openEnvironment(opts, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	if len(streams) == 0 {
		streams, err = env.cursors.Streams(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list streams", err)
		}
	}
	report := CursorReport{Streams: map[string]map[uint32]uint64{}, order: streams}
	all := make([]cursor.GlobalCursor, 0, len(streams))
	for _, s := range streams {
		g, err := env.cursors.GlobalCursor(ctx, s)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read cursor", err)
		}
		report.Streams[s] = g
		all = append(all, g)
	}
	report.LowestCommon = cursor.LowestCommon(all...)

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return out.Success(report)
}

func newInspectGroupsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "groups",
		Short:         "Show local groups with their epoch and fork state",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspectGroups(rootOpts, cmd)
		},
	}
}

func runInspectGroups(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	env, err := openEnvironment(opts, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	groups, err := env.store.Groups(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read groups", err)
	}
	report := make(GroupsReport, 0, len(groups))
	for _, g := range groups {
		forked, err := env.store.ForkState(ctx, g.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read fork state", err)
		}
		report = append(report, newGroupReport(g, forked))
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return out.Success(report)
}

func newGroupReport(g membership.Group, forked *bool) GroupReport {
	r := GroupReport{
		ID:            g.ID,
		Epoch:         g.Epoch,
		Active:        g.Active,
		Members:       len(g.Membership.Members),
		Installations: g.Installations,
		Forked:        "unknown",
	}
	if forked != nil {
		r.Forked = "no"
		if *forked {
			r.Forked = "yes"
		}
	}
	return r
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
