// Package apitest provides an in-memory network implementing api.Transport.
//
// Network keeps every envelope it was given, replays them to new
// subscriptions from the subscription's LastSeen position, and fans out new
// envelopes to live subscriptions. Delivery order is publish order, which lets
// tests reorder envelopes simply by publishing them out of order.
package apitest

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/commitlog"
)

// ErrUnavailable is returned by calls while the network is failing.
var ErrUnavailable = errors.New("apitest: network unavailable")

// Network is a fake relay network. The zero value is not usable; use New.
type Network struct {
	mu          sync.Mutex
	envelopes   []api.Envelope
	identity    map[string][]association.IdentityUpdate
	commitLog   []commitlog.Entry
	readdReqs   []SentReaddRequest
	readded     map[string][]string
	readdSeq    map[string]uint64
	subscribers []*subscriber
	failures    int
	calls       map[string]int
}

// New creates an empty network.
func New() *Network {
	return &Network{
		identity: map[string][]association.IdentityUpdate{},
		readded:  map[string][]string{},
		readdSeq: map[string]uint64{},
		calls:    map[string]int{},
	}
}

var _ api.Transport = (*Network)(nil)

// FailNext makes the next n calls fail with ErrUnavailable.
func (n *Network) FailNext(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = count
}

// Calls returns how many times op was called.
func (n *Network) Calls(op string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[op]
}

// call records op and reports whether it should fail. Callers hold n.mu.
func (n *Network) call(op string) error {
	n.calls[op]++
	if n.failures > 0 {
		n.failures--
		return ErrUnavailable
	}
	return nil
}

// AddIdentityUpdates stores updates for GetIdentityUpdates without
// publishing envelopes for them.
func (n *Network) AddIdentityUpdates(updates ...association.IdentityUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, u := range updates {
		n.identity[u.InboxID] = append(n.identity[u.InboxID], u)
		slices.SortFunc(n.identity[u.InboxID], func(a, b association.IdentityUpdate) int {
			switch {
			case a.SequenceID < b.SequenceID:
				return -1
			case a.SequenceID > b.SequenceID:
				return 1
			}
			return 0
		})
	}
}

// Publish delivers envelopes to matching subscriptions and keeps them for
// later ones. Identity update payloads are also stored for
// GetIdentityUpdates.
func (n *Network) Publish(envelopes ...api.Envelope) {
	for _, e := range envelopes {
		if p, ok := e.Payload.(api.IdentityUpdatePayload); ok {
			n.AddIdentityUpdates(p.Update)
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range envelopes {
		n.envelopes = append(n.envelopes, e)
		for _, s := range n.subscribers {
			s.offer(e)
		}
	}
}

// GetIdentityUpdates implements api.IdentityAPI.
func (n *Network) GetIdentityUpdates(_ context.Context, inboxID string, after uint64) ([]association.IdentityUpdate, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("get_identity_updates"); err != nil {
		return nil, err
	}
	var out []association.IdentityUpdate
	for _, u := range n.identity[inboxID] {
		if u.SequenceID > after {
			out = append(out, u)
		}
	}
	return out, nil
}

// PublishCommitLog implements api.CommitLogAPI. Entries get increasing log
// sequence ids in publish order.
func (n *Network) PublishCommitLog(_ context.Context, entries []commitlog.Entry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("publish_commit_log"); err != nil {
		return err
	}
	for _, e := range entries {
		e.LogSequenceID = uint64(len(n.commitLog) + 1)
		n.commitLog = append(n.commitLog, e)
	}
	return nil
}

// FetchRemoteCommitLog implements api.CommitLogAPI.
func (n *Network) FetchRemoteCommitLog(_ context.Context, groupID string, after uint64) ([]commitlog.Entry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("fetch_remote_commit_log"); err != nil {
		return nil, err
	}
	var out []commitlog.Entry
	for _, e := range n.commitLog {
		if e.GroupID == groupID && e.LogSequenceID > after {
			out = append(out, e)
		}
	}
	return out, nil
}

// RemoteCommitLog returns a copy of everything published to the commit log.
func (n *Network) RemoteCommitLog() []commitlog.Entry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.commitLog)
}

// SentReaddRequest is a readd request as the network received it.
type SentReaddRequest struct {
	Request    commitlog.ReaddRequest
	Recipients []string
}

// SendReaddRequest implements api.ReaddAPI. Requests are recorded, not
// delivered; tests publish the recipient's envelope themselves.
func (n *Network) SendReaddRequest(_ context.Context, req commitlog.ReaddRequest, recipients []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("send_readd_request"); err != nil {
		return err
	}
	n.readdReqs = append(n.readdReqs, SentReaddRequest{Request: req, Recipients: slices.Clone(recipients)})
	return nil
}

// ReaddInstallations implements api.ReaddAPI. The readd commit's sequence
// id follows every commit published to the group's log and every earlier
// readd.
func (n *Network) ReaddInstallations(_ context.Context, groupID string, installations []string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("readd_installations"); err != nil {
		return 0, err
	}
	seq := n.readdSeq[groupID]
	for _, e := range n.commitLog {
		if e.GroupID == groupID && e.CommitSequenceID > seq {
			seq = e.CommitSequenceID
		}
	}
	seq++
	n.readdSeq[groupID] = seq
	n.readded[groupID] = append(n.readded[groupID], installations...)
	return seq, nil
}

// ReaddRequests returns every readd request sent so far.
func (n *Network) ReaddRequests() []SentReaddRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.readdReqs)
}

// Readded returns the installations readded to a group so far.
func (n *Network) Readded(groupID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.readded[groupID])
}

// Subscribe implements api.EnvelopeAPI. Stored envelopes the filter has not
// seen are delivered first, then live ones.
func (n *Network) Subscribe(ctx context.Context, filters []api.TopicFilter) (<-chan api.Envelope, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("subscribe"); err != nil {
		return nil, err
	}
	s := newSubscriber(filters)
	for _, e := range n.envelopes {
		s.offer(e)
	}
	n.subscribers = append(n.subscribers, s)

	out := make(chan api.Envelope)
	go func() {
		defer close(out)
		defer n.unsubscribe(s)
		s.pump(ctx, out)
	}()
	return out, nil
}

func (n *Network) unsubscribe(s *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = slices.DeleteFunc(n.subscribers, func(x *subscriber) bool { return x == s })
}

// subscriber buffers envelopes without bound so Publish never blocks.
type subscriber struct {
	filters map[api.Topic]api.TopicFilter

	mu     sync.Mutex
	queue  []api.Envelope
	notify chan struct{}
}

func newSubscriber(filters []api.TopicFilter) *subscriber {
	s := &subscriber{
		filters: make(map[api.Topic]api.TopicFilter, len(filters)),
		notify:  make(chan struct{}, 1),
	}
	for _, f := range filters {
		s.filters[f.Topic] = f
	}
	return s
}

func (s *subscriber) offer(e api.Envelope) {
	f, ok := s.filters[e.Topic]
	if !ok || f.LastSeen.HasSeen(e.Cursor) {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump(ctx context.Context, out chan<- api.Envelope) {
	for {
		s.mu.Lock()
		var next *api.Envelope
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			next = &e
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case out <- *next:
		}
	}
}
