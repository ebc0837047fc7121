package commitlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/mlscore/internal/metrics"
)

// RecoveryPolicy decides which forked groups this installation asks to be
// readded to.
type RecoveryPolicy int

const (
	RecoveryNone RecoveryPolicy = iota
	RecoveryAllowlistedGroups
	RecoveryAll
)

func (p RecoveryPolicy) String() string {
	switch p {
	case RecoveryNone:
		return "none"
	case RecoveryAllowlistedGroups:
		return "allowlisted_groups"
	case RecoveryAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParseRecoveryPolicy parses the String form. The empty string is none.
func ParseRecoveryPolicy(s string) (RecoveryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RecoveryNone, nil
	case "allowlisted_groups", "allowlisted":
		return RecoveryAllowlistedGroups, nil
	case "all":
		return RecoveryAll, nil
	}
	return RecoveryNone, fmt.Errorf("unknown fork recovery policy %q", s)
}

func (p RecoveryPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *RecoveryPolicy) UnmarshalText(b []byte) error {
	parsed, err := ParseRecoveryPolicy(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ReaddRequest asks a group's readders to readd the sender's installation.
// LatestCommitSequenceID is the newest remote commit the sender has seen.
type ReaddRequest struct {
	GroupID                string `json:"group_id"`
	LatestCommitSequenceID uint64 `json:"latest_commit_sequence_id"`
}

// ReaddStatus tracks one installation's readd request in one group. A nil
// position has never been set.
type ReaddStatus struct {
	GroupID        string
	InboxID        string
	InstallationID string
	RequestedAt    *uint64
	RespondedAt    *uint64
}

// Awaiting reports whether a request is newer than any response to it.
func (s ReaddStatus) Awaiting() bool {
	if s.RequestedAt == nil {
		return false
	}
	var responded uint64
	if s.RespondedAt != nil {
		responded = *s.RespondedAt
	}
	return *s.RequestedAt >= responded
}

// ForkedGroup is an active group whose commit log forked, with the highest
// remote commit sequence id stored for it.
type ForkedGroup struct {
	ID                     string
	LatestCommitSequenceID *uint64
}

// RecoveryGroup is what recovery needs to know about a group.
type RecoveryGroup struct {
	ID            string
	Active        bool
	SuperAdmins   []string
	DMMembers     []string
	Installations []string
	Forked        *bool
}

// RecoveryStore is recovery's view of local persistence.
type RecoveryStore interface {
	ForkedGroups(ctx context.Context) ([]ForkedGroup, error)
	RecoveryGroup(ctx context.Context, groupID string) (RecoveryGroup, bool, error)
	ReaddStatus(ctx context.Context, groupID, installationID string) (*ReaddStatus, error)
	// MarkReaddRequested and MarkReaddResponded only ever raise the stored
	// position.
	MarkReaddRequested(ctx context.Context, groupID, inboxID, installationID string, seq uint64) error
	MarkReaddResponded(ctx context.Context, groupID, inboxID, installationID string, seq uint64) error
	// GroupsAwaitingReadd lists groups with a request from an installation
	// other than self that has not been answered.
	GroupsAwaitingReadd(ctx context.Context, self string) ([]string, error)
	ReaddsAwaitingResponse(ctx context.Context, groupID, self string) ([]ReaddStatus, error)
	DeleteReaddStatuses(ctx context.Context, groupID string, installations []string) error
	DeleteOtherReaddStatuses(ctx context.Context, groupID, self string) error
}

// Readder carries readd traffic to the network.
type Readder interface {
	// SendReaddRequest delivers req to the given inboxes.
	SendReaddRequest(ctx context.Context, req ReaddRequest, recipients []string) error
	// ReaddInstallations commits the installations back into the group and
	// returns the commit's sequence id.
	ReaddInstallations(ctx context.Context, groupID string, installations []string) (uint64, error)
}

// RecoveryConfig configures a Recovery.
type RecoveryConfig struct {
	Store   RecoveryStore
	Readder Readder
	// Policy gates outgoing requests. Groups lists the group ids
	// RecoveryAllowlistedGroups permits.
	Policy RecoveryPolicy
	Groups []string
	// DisableResponses stops this installation from answering requests.
	DisableResponses bool
	// InboxID and InstallationID identify this installation.
	InboxID        string
	InstallationID string
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Recovery asks readders to readd this installation to forked groups, and
// readds members of groups this installation administers that asked for it.
type Recovery struct {
	cfg RecoveryConfig
}

// NewRecovery creates a recovery step.
func NewRecovery(cfg RecoveryConfig) *Recovery {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recovery{cfg: cfg}
}

// errReaddValidation marks a group whose pending requests can never be
// answered by this installation.
var errReaddValidation = errors.New("group did not pass readd validation")

// Run sends outgoing requests, then answers incoming ones. A failure for one
// group does not stop the others.
func (r *Recovery) Run(ctx context.Context, logger *slog.Logger) error {
	return errors.Join(
		r.sendOutgoingRequests(ctx, logger),
		r.handleIncomingRequests(ctx, logger),
	)
}

func (r *Recovery) sendOutgoingRequests(ctx context.Context, logger *slog.Logger) error {
	if r.cfg.Policy == RecoveryNone {
		return nil
	}
	forked, err := r.cfg.Store.ForkedGroups(ctx)
	if err != nil {
		return fmt.Errorf("list forked groups: %w", err)
	}
	if r.cfg.Policy == RecoveryAllowlistedGroups {
		forked = slices.DeleteFunc(forked, func(g ForkedGroup) bool {
			return !slices.ContainsFunc(r.cfg.Groups, func(id string) bool {
				return strings.EqualFold(id, g.ID)
			})
		})
	}

	var errs []error
	for _, g := range forked {
		if err := r.requestReadd(ctx, logger, g); err != nil {
			logger.Error("failed to send readd request", "group_id", g.ID, "error", err)
			r.cfg.Metrics.Readd("request_failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Recovery) requestReadd(ctx context.Context, logger *slog.Logger, g ForkedGroup) error {
	status, err := r.cfg.Store.ReaddStatus(ctx, g.ID, r.cfg.InstallationID)
	if err != nil {
		return fmt.Errorf("readd status for %s: %w", g.ID, err)
	}
	if status != nil && status.Awaiting() {
		logger.Debug("readd already requested", "group_id", g.ID)
		return nil
	}
	if g.LatestCommitSequenceID == nil {
		return fmt.Errorf("forked group %s has no remote commit", g.ID)
	}
	group, ok, err := r.cfg.Store.RecoveryGroup(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("read group %s: %w", g.ID, err)
	}
	if !ok {
		return fmt.Errorf("read group %s: no such group", g.ID)
	}
	readders := r.permittedReadders(group)
	if len(readders) == 0 {
		return fmt.Errorf("group %s has no readders", g.ID)
	}

	req := ReaddRequest{GroupID: g.ID, LatestCommitSequenceID: *g.LatestCommitSequenceID}
	if err := r.cfg.Readder.SendReaddRequest(ctx, req, readders); err != nil {
		return fmt.Errorf("send readd request for %s: %w", g.ID, err)
	}
	if err := r.cfg.Store.MarkReaddRequested(ctx, g.ID, r.cfg.InboxID, r.cfg.InstallationID, req.LatestCommitSequenceID); err != nil {
		return fmt.Errorf("mark readd requested for %s: %w", g.ID, err)
	}
	logger.Info("sent readd request", "group_id", g.ID,
		"sequence_id", req.LatestCommitSequenceID, "readders", readders)
	r.cfg.Metrics.Readd("requested")
	return nil
}

// permittedReadders is the other member of a DM, or the group's super
// admins. Self is never included.
func (r *Recovery) permittedReadders(g RecoveryGroup) []string {
	candidates := g.SuperAdmins
	if len(g.DMMembers) > 0 {
		candidates = g.DMMembers
	}
	var out []string
	for _, id := range candidates {
		if id != r.cfg.InboxID {
			out = append(out, id)
		}
	}
	return out
}

func (r *Recovery) handleIncomingRequests(ctx context.Context, logger *slog.Logger) error {
	if r.cfg.DisableResponses {
		return nil
	}
	groups, err := r.cfg.Store.GroupsAwaitingReadd(ctx, r.cfg.InstallationID)
	if err != nil {
		return fmt.Errorf("list groups awaiting readd: %w", err)
	}

	var errs []error
	for _, id := range groups {
		installations, err := r.validatePendingReadds(ctx, logger, id)
		if errors.Is(err, errReaddValidation) {
			logger.Warn("dropping readd requests", "group_id", id, "error", err)
			r.cfg.Metrics.Readd("dropped")
			if derr := r.cfg.Store.DeleteOtherReaddStatuses(ctx, id, r.cfg.InstallationID); derr != nil {
				errs = append(errs, fmt.Errorf("delete readd statuses for %s: %w", id, derr))
			}
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(installations) == 0 {
			continue
		}
		if err := r.readd(ctx, logger, id, installations); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// validatePendingReadds returns the pending requests this installation can
// answer. Requests from installations that are no longer members are
// deleted.
func (r *Recovery) validatePendingReadds(ctx context.Context, logger *slog.Logger, groupID string) ([]ReaddStatus, error) {
	g, ok, err := r.cfg.Store.RecoveryGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", groupID, err)
	}
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: %s is unknown", errReaddValidation, groupID)
	case !g.Active:
		return nil, fmt.Errorf("%w: %s is not active", errReaddValidation, groupID)
	case !slices.Contains(g.SuperAdmins, r.cfg.InboxID) && !slices.Contains(g.DMMembers, r.cfg.InboxID):
		return nil, fmt.Errorf("%w: not a super admin of %s", errReaddValidation, groupID)
	case g.Forked != nil && *g.Forked:
		return nil, fmt.Errorf("%w: %s is forked", errReaddValidation, groupID)
	case g.Forked == nil:
		logger.Info("fork state unknown, skipping readd requests", "group_id", groupID)
		return nil, nil
	}

	pending, err := r.cfg.Store.ReaddsAwaitingResponse(ctx, groupID, r.cfg.InstallationID)
	if err != nil {
		return nil, fmt.Errorf("pending readds for %s: %w", groupID, err)
	}
	var members []ReaddStatus
	var strangers []string
	for _, s := range pending {
		if slices.Contains(g.Installations, s.InstallationID) {
			members = append(members, s)
		} else {
			strangers = append(strangers, s.InstallationID)
		}
	}
	if len(strangers) > 0 {
		logger.Debug("readd requests from non-members",
			"group_id", groupID, "non_members", len(strangers), "members", len(members))
		if err := r.cfg.Store.DeleteReaddStatuses(ctx, groupID, strangers); err != nil {
			return nil, fmt.Errorf("delete readd statuses for %s: %w", groupID, err)
		}
	}
	return members, nil
}

func (r *Recovery) readd(ctx context.Context, logger *slog.Logger, groupID string, pending []ReaddStatus) error {
	installations := make([]string, len(pending))
	for i, s := range pending {
		installations[i] = s.InstallationID
	}
	commitSeq, err := r.cfg.Readder.ReaddInstallations(ctx, groupID, installations)
	if err != nil {
		r.cfg.Metrics.Readd("readd_failed")
		return fmt.Errorf("readd installations to %s: %w", groupID, err)
	}
	for _, s := range pending {
		if err := r.cfg.Store.MarkReaddResponded(ctx, groupID, s.InboxID, s.InstallationID, commitSeq); err != nil {
			return fmt.Errorf("mark readd responded for %s: %w", groupID, err)
		}
	}
	logger.Info("readded installations",
		"group_id", groupID, "installations", installations, "sequence_id", commitSeq)
	r.cfg.Metrics.Readd("readded")
	return nil
}
