package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/api/apitest"
	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/commitlog"
	"github.com/roach88/mlscore/internal/cursor"
	"github.com/roach88/mlscore/internal/engine"
	"github.com/roach88/mlscore/internal/membership"
	"github.com/roach88/mlscore/internal/metrics"
	"github.com/roach88/mlscore/internal/store"
	"github.com/roach88/mlscore/internal/testutil"
)

// WelcomeInstallation is the installation key scenario welcomes are
// addressed to.
const WelcomeInstallation = "me"

// Harness is one scenario execution: a fresh store, an in-memory network
// and an engine wired to both.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	net      *apitest.Network
	engine   *engine.Engine
	events   chan metrics.Event
	logger   *slog.Logger

	// inboxes maps scenario names to inbox ids.
	inboxes map[string]string
	logs    map[string][]association.IdentityUpdate
}

// Run executes a scenario in its declared delivery order.
//
// Each scenario runs in a fresh SQLite database in a temporary directory,
// removed when Run returns. Identity logs are built with deterministic
// sequence ids and timestamps, so two runs of a scenario produce identical
// traces and digests.
//
// Execution flow:
// 1. Build every inbox's identity log
// 2. Serve the logs named in network for backfill
// 3. Deliver each envelope to the engine, recording its admission outcome
// 4. Evaluate the assertions against the final state
//
// The returned error is for infrastructure failures only. Unmet expect
// clauses and assertions are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	return RunOrder(scenario, nil)
}

// RunOrder executes a scenario delivering its steps in the given order of
// indices into Deliver. A nil order is the declared order. Expect clauses
// are only checked for the declared order, since outcomes such as blocked
// depend on what was delivered before.
func RunOrder(scenario *Scenario, order []int) (*Result, error) {
	if order == nil {
		order = make([]int, len(scenario.Deliver))
		for i := range order {
			order[i] = i
		}
	} else if err := checkOrder(order, len(scenario.Deliver)); err != nil {
		return nil, err
	}
	checkExpect := isDeclaredOrder(order)

	dir, err := os.MkdirTemp("", "mlscore-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(scenario, filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	ctx := context.Background()
	result := NewResult()
	for _, i := range order {
		step := scenario.Deliver[i]
		event, err := h.deliver(ctx, i+1, step)
		if err != nil {
			return nil, err
		}
		result.addTrace(event)
		if checkExpect && step.Expect != "" && step.Expect != event.Outcome {
			msg := fmt.Sprintf("step %d (%s %s): expected %s, got %s",
				event.Step, event.TopicKind, event.Target, step.Expect, event.Outcome)
			if event.Error != "" {
				msg += ": " + event.Error
			}
			result.AddError(msg)
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a, result.Trace); err != nil {
			result.AddError(fmt.Sprintf("assertion %d: %v", i+1, err))
		}
	}

	if err := h.summarize(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func newHarness(scenario *Scenario, dbPath string) (*Harness, error) {
	backend, err := api.ParseBackend(scenario.Backend)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scenario: scenario,
		net:      apitest.New(),
		events:   make(chan metrics.Event, 1024),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		inboxes:  map[string]string{},
		logs:     map[string][]association.IdentityUpdate{},
	}
	if err := h.buildLogs(); err != nil {
		return nil, err
	}
	for _, name := range scenario.Network {
		h.net.AddIdentityUpdates(h.logs[name]...)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario store: %w", err)
	}
	h.store = st

	client := api.NewClient(backend, h.net, api.ClientConfig{
		RequestsPerSecond: 1000,
		Burst:             100,
		MaxAttempts:       1,
		BaseBackoff:       time.Millisecond,
		Logger:            h.logger,
	})
	resolver := association.NewResolver(association.WithLogger(h.logger))
	validator, err := membership.NewValidator(membership.Config{
		Log:      st,
		Fetcher:  client,
		Groups:   st,
		Resolver: resolver,
		Logger:   h.logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	h.engine, err = engine.New(engine.Config{
		Store:     st,
		Client:    client,
		Validator: validator,
		Resolver:  resolver,
		Metrics:   metrics.New(h.events),
		Logger:    h.logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return h, nil
}

// buildLogs turns inbox declarations into identity updates.
func (h *Harness) buildLogs() error {
	for _, inbox := range h.scenario.Inboxes {
		b := testutil.NewInbox(association.Address(inbox.Account), inbox.Nonce)
		h.inboxes[inbox.Name] = b.InboxID

		for j, u := range inbox.Updates {
			update, err := buildUpdate(b, u)
			if err != nil {
				return fmt.Errorf("inbox %s update %d: %w", inbox.Name, j+1, err)
			}
			h.logs[inbox.Name] = append(h.logs[inbox.Name], update)
		}
	}
	return nil
}

func buildUpdate(b *testutil.InboxBuilder, u UpdateSpec) (association.IdentityUpdate, error) {
	if u.Action == ActionCreate {
		return b.Create(), nil
	}
	member, err := parseMember(u.Member)
	if err != nil {
		return association.IdentityUpdate{}, err
	}
	signer := b.Account
	if u.Signer != "" {
		if signer, err = parseMember(u.Signer); err != nil {
			return association.IdentityUpdate{}, err
		}
	}
	switch u.Action {
	case ActionAdd:
		return b.Add(member, signer), nil
	case ActionRevoke:
		return b.Revoke(member, signer), nil
	case ActionChangeRecovery:
		return b.ChangeRecovery(member, signer), nil
	default:
		return association.IdentityUpdate{}, fmt.Errorf("unknown action %q", u.Action)
	}
}

// parseMember parses "kind:value".
func parseMember(s string) (association.MemberIdentifier, error) {
	var m association.MemberIdentifier
	err := m.UnmarshalText([]byte(s))
	return m, err
}

// deliver builds the envelope of one step, processes it and reports how it
// was admitted. A processing error is part of the trace, not a failure of
// the run.
func (h *Harness) deliver(ctx context.Context, stepNum int, step DeliverStep) (TraceEvent, error) {
	env, target, err := h.envelope(step)
	if err != nil {
		return TraceEvent{}, fmt.Errorf("step %d: %w", stepNum, err)
	}
	event := TraceEvent{
		Step:      stepNum,
		TopicKind: env.Topic.Kind.String(),
		Target:    target,
		Cursor:    env.Cursor.String(),
	}

	perr := h.engine.Process(ctx, env)
	event.Outcome = h.admission()
	if perr != nil {
		event.Outcome = "error"
		event.Error = perr.Error()
		h.logger.Debug("envelope failed", "step", stepNum, "error", perr)
	}
	return event, nil
}

func (h *Harness) envelope(step DeliverStep) (api.Envelope, string, error) {
	deps := cursor.GlobalCursor(step.DependsOn)
	switch {
	case step.Identity != nil:
		s := step.Identity
		u := h.logs[s.Inbox][s.Seq-1]
		return api.Envelope{
			Topic:     api.IdentityTopic(u.InboxID),
			Cursor:    cursor.Cursor{OriginatorID: api.OriginatorInboxLog, SequenceID: u.SequenceID},
			DependsOn: deps,
			Payload:   api.IdentityUpdatePayload{Update: u},
		}, s.Inbox, nil

	case step.Group != nil:
		s := step.Group
		payload := api.GroupMessagePayload{GroupID: s.Group, Data: []byte("message")}
		if c := s.Commit; c != nil {
			result := commitlog.ResultSuccess
			if c.Result != "" {
				r, err := commitlog.ParseResult(c.Result)
				if err != nil {
					return api.Envelope{}, "", err
				}
				result = r
			}
			payload.Data = nil
			payload.Commit = &commitlog.Entry{
				CommitSequenceID:          c.CommitSeq,
				Result:                    result,
				AppliedEpochNumber:        c.Epoch,
				AppliedEpochAuthenticator: []byte(c.Authenticator),
			}
		}
		originator := api.GroupMessageOriginator(s.Commit != nil)
		if s.Originator != nil {
			originator = *s.Originator
		}
		return api.Envelope{
			Topic:     api.GroupTopic(s.Group),
			Cursor:    cursor.Cursor{OriginatorID: originator, SequenceID: s.Seq},
			DependsOn: deps,
			Payload:   payload,
		}, s.Group, nil

	case step.Welcome != nil:
		s := step.Welcome
		members := make(map[string]uint64, len(s.Members))
		for name, seq := range s.Members {
			members[h.inboxes[name]] = seq
		}
		w := membership.Welcome{
			GroupID: s.Group,
			Epoch:   s.Epoch,
			Membership: membership.GroupMembership{
				Members:             members,
				FailedInstallations: s.Failed,
			},
			Installations: s.Installations,
		}
		return api.Envelope{
			Topic:     api.WelcomeTopic(WelcomeInstallation),
			Cursor:    cursor.Cursor{OriginatorID: api.OriginatorWelcomeMessages, SequenceID: s.Seq},
			DependsOn: deps,
			Payload:   api.WelcomePayload{Welcome: w},
		}, s.Group, nil
	}
	return api.Envelope{}, "", fmt.Errorf("empty step")
}

// admission drains the event channel and returns the outcome of the first
// admission event. Process admits exactly one envelope per call.
func (h *Harness) admission() string {
	outcome := ""
	for {
		select {
		case ev := <-h.events:
			if outcome == "" && ev.Name == "admission" && len(ev.Labels) == 2 {
				outcome = ev.Labels[1]
			}
		default:
			return outcome
		}
	}
}

// summarize records inbox digests and group summaries by scenario name.
func (h *Harness) summarize(ctx context.Context, result *Result) error {
	for _, inbox := range h.scenario.Inboxes {
		state, ok, err := h.store.Snapshot(ctx, h.inboxes[inbox.Name])
		if err != nil {
			return fmt.Errorf("failed to read snapshot of %s: %w", inbox.Name, err)
		}
		if ok {
			result.Digests[inbox.Name] = state.Digest()
		}
	}
	groups, err := h.store.Groups(ctx)
	if err != nil {
		return fmt.Errorf("failed to read groups: %w", err)
	}
	for _, g := range groups {
		result.Groups[g.ID] = fmt.Sprintf("epoch=%d active=%t installations=%s",
			g.Epoch, g.Active, strings.Join(g.Installations, ","))
	}
	return nil
}

func checkOrder(order []int, n int) error {
	if len(order) != n {
		return fmt.Errorf("order has %d steps, scenario has %d", len(order), n)
	}
	seen := make([]bool, n)
	for _, i := range order {
		if i < 0 || i >= n || seen[i] {
			return fmt.Errorf("order %v is not a permutation of the delivery steps", order)
		}
		seen[i] = true
	}
	return nil
}

func isDeclaredOrder(order []int) bool {
	for i, v := range order {
		if i != v {
			return false
		}
	}
	return true
}
