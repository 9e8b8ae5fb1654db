package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gwDistSys20/identity-manager/raft"
)

// Routes served by every manager for its peers.
const (
	PathRequestVote   = "/raft/request-vote"
	PathAppendEntries = "/raft/append-entries"
	PathLeader        = "/managers/leader"
	PathAnnounce      = "/managers/new/"
	PathStatus        = "/managers/status"
)

// Headers used between managers.
const (
	HeaderForwardedBy = "X-Forwarded-By"
	HeaderRequestID   = "X-Request-ID"
)

// HTTPTransport implements raft.Transport with JSON over HTTP. The same
// client forwards client requests to the leader and notifies chat clients.
type HTTPTransport struct {
	self   string
	client *http.Client
	logger *slog.Logger
}

var _ raft.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for the manager advertised as self.
// timeout bounds calls made without a context deadline.
func NewHTTPTransport(self string, timeout time.Duration, logger *slog.Logger) *HTTPTransport {
	return &HTTPTransport{
		self:   self,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "transport"),
	}
}

func (t *HTTPTransport) RequestVote(ctx context.Context, peer string, args raft.RequestVoteArgs) (raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	err := t.call(ctx, http.MethodPost, peer, PathRequestVote, args, &reply)
	return reply, err
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, peer string, args raft.AppendEntriesArgs) (raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	err := t.call(ctx, http.MethodPost, peer, PathAppendEntries, args, &reply)
	return reply, err
}

// GetLeader returns "" when the peer knows no leader.
func (t *HTTPTransport) GetLeader(ctx context.Context, peer string) (string, error) {
	var res LeaderRes
	err := t.call(ctx, http.MethodGet, peer, PathLeader, nil, &res)
	if IsStatus(err, http.StatusNotFound) {
		return "", nil
	}
	return res.Leader, err
}

func (t *HTTPTransport) NotifyLeader(ctx context.Context, peer string, leader string) error {
	return t.call(ctx, http.MethodPost, peer, PathLeader, LeaderRes{Leader: leader}, nil)
}

func (t *HTTPTransport) Announce(ctx context.Context, peer string, self string) error {
	return t.call(ctx, http.MethodPost, peer, PathAnnounce+url.PathEscape(self), nil, nil)
}

// Status fetches the NodeStatus diagnostic of a peer.
func (t *HTTPTransport) Status(ctx context.Context, peer string) (raft.Status, error) {
	var status raft.Status
	err := t.call(ctx, http.MethodGet, peer, PathStatus, nil, &status)
	return status, err
}

// Post sends payload to a plain endpoint, such as a chat client's /leader or
// /disconnect, and only checks the status code.
func (t *HTTPTransport) Post(ctx context.Context, addr, path string, payload interface{}) error {
	req, err := t.newRequest(ctx, http.MethodPost, addr, path, payload)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s%s", addr, path)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// Forward replays an inbound client request against the leader and returns
// the leader's raw response. The caller closes the body.
func (t *HTTPTransport) Forward(ctx context.Context, leader string, r *http.Request, body []byte) (*http.Response, error) {
	target := baseURL(leader) + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build forwarded request")
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if id := r.Header.Get(HeaderRequestID); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}
	req.Header.Set(HeaderForwardedBy, t.self)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "forward %s %s to %s", r.Method, r.URL.Path, leader)
	}
	t.logger.Debug("forwarded request", "leader", leader, "path", r.URL.Path, "status", resp.StatusCode)
	return resp, nil
}

func (t *HTTPTransport) call(ctx context.Context, method, peer, path string, in, out interface{}) error {
	req, err := t.newRequest(ctx, method, peer, path, in)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s%s", method, peer, path)
	}
	defer resp.Body.Close()
	return DecodeRes(resp, out)
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, addr, path string, in interface{}) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL(addr)+path, body)
	if err != nil {
		return nil, errors.Wrapf(err, "build request for %s", addr)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func baseURL(addr string) string {
	addr = strings.TrimSuffix(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
