// Package relay carries api.Transport over HTTP.
//
// Unary calls are JSON request/response pairs. A subscription is a POST whose
// response streams one envelope per line, in the form api.MarshalEnvelope
// writes, until either side closes it. Handler serves any api.Transport with
// the same protocol, so a relay node and a test network look alike to Client.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/mlscore/internal/api"
	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/commitlog"
	"github.com/roach88/mlscore/internal/cursor"
)

// DefaultTimeout bounds unary calls when the client is not configured.
const DefaultTimeout = 30 * time.Second

// maxEnvelopeLine bounds one streamed envelope.
const maxEnvelopeLine = 4 << 20

type wireFilter struct {
	Topic    string              `json:"topic"`
	LastSeen cursor.GlobalCursor `json:"last_seen,omitempty"`
}

type wireReaddRequest struct {
	Request    commitlog.ReaddRequest `json:"request"`
	Recipients []string               `json:"recipients"`
}

type wireReadd struct {
	Installations []string `json:"installations"`
}

type wireReaddResult struct {
	SequenceID uint64 `json:"sequence_id"`
}

// Client is an api.Transport talking to a relay at a base URL.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

var _ api.Transport = (*Client)(nil)

// NewClient creates a client for the relay at baseURL. timeout bounds each
// unary call; subscriptions last until their context is done.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay %s: status %d: %s", e.Op, e.Status, e.Body)
}

// do sends a JSON request and decodes a JSON response into out when out is
// not nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("relay %s: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("relay %s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s: %w", op, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("relay %s: decode response: %w", op, err)
	}
	return nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func afterQuery(after uint64) string {
	return "?after=" + strconv.FormatUint(after, 10)
}

// GetIdentityUpdates implements api.IdentityAPI.
func (c *Client) GetIdentityUpdates(ctx context.Context, inboxID string, after uint64) ([]association.IdentityUpdate, error) {
	var updates []association.IdentityUpdate
	err := c.do(ctx, "get identity updates", http.MethodGet,
		"/v1/identity/"+url.PathEscape(inboxID)+afterQuery(after), nil, &updates)
	return updates, err
}

// FetchRemoteCommitLog implements api.CommitLogAPI.
func (c *Client) FetchRemoteCommitLog(ctx context.Context, groupID string, after uint64) ([]commitlog.Entry, error) {
	var entries []commitlog.Entry
	err := c.do(ctx, "fetch remote commit log", http.MethodGet,
		"/v1/commit-log/"+url.PathEscape(groupID)+afterQuery(after), nil, &entries)
	return entries, err
}

// PublishCommitLog implements api.CommitLogAPI.
func (c *Client) PublishCommitLog(ctx context.Context, entries []commitlog.Entry) error {
	return c.do(ctx, "publish commit log", http.MethodPost, "/v1/commit-log", entries, nil)
}

// SendReaddRequest implements api.ReaddAPI.
func (c *Client) SendReaddRequest(ctx context.Context, req commitlog.ReaddRequest, recipients []string) error {
	return c.do(ctx, "send readd request", http.MethodPost, "/v1/readd-requests",
		wireReaddRequest{Request: req, Recipients: recipients}, nil)
}

// ReaddInstallations implements api.ReaddAPI.
func (c *Client) ReaddInstallations(ctx context.Context, groupID string, installations []string) (uint64, error) {
	var res wireReaddResult
	err := c.do(ctx, "readd installations", http.MethodPost,
		"/v1/groups/"+url.PathEscape(groupID)+"/readd", wireReadd{Installations: installations}, &res)
	return res.SequenceID, err
}

// Subscribe implements api.EnvelopeAPI. The channel closes when ctx is done
// or the relay ends the stream.
func (c *Client) Subscribe(ctx context.Context, filters []api.TopicFilter) (<-chan api.Envelope, error) {
	wire := make([]wireFilter, len(filters))
	for i, f := range filters {
		wire[i] = wireFilter{Topic: f.Topic.String(), LastSeen: f.LastSeen}
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/subscribe", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}
	if err := checkStatus("subscribe", resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	out := make(chan api.Envelope)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEnvelopeLine)
		for scanner.Scan() {
			if len(scanner.Bytes()) == 0 {
				continue
			}
			e, err := api.UnmarshalEnvelope(scanner.Bytes())
			if err != nil {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
