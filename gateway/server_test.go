package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwDistSys20/identity-manager/directory"
	"github.com/gwDistSys20/identity-manager/dispatcher"
	"github.com/gwDistSys20/identity-manager/filemanager"
	"github.com/gwDistSys20/identity-manager/raft"
	"github.com/gwDistSys20/identity-manager/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubNode commits straight into the dispatcher when it leads.
type stubNode struct {
	mu        sync.Mutex
	id        string
	leader    bool
	leaderID  string
	submitErr error
	d         *dispatcher.Dispatcher
	peers     []string
	blocked   bool
	resets    int
	votes     []raft.RequestVoteArgs
}

func (n *stubNode) ID() string { return n.id }

func (n *stubNode) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader
}

func (n *stubNode) Leader() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leader {
		return n.id
	}
	return n.leaderID
}

func (n *stubNode) DiscoverLeader(context.Context) string { return n.Leader() }

func (n *stubNode) Submit(_ context.Context, op string, args map[string]interface{}) (interface{}, error) {
	if n.submitErr != nil {
		return nil, n.submitErr
	}
	return n.d.Apply(op, args)
}

func (n *stubNode) HandleRequestVote(args raft.RequestVoteArgs) raft.RequestVoteReply {
	n.votes = append(n.votes, args)
	return raft.RequestVoteReply{Term: args.Term, VoteGranted: true}
}

func (n *stubNode) HandleAppendEntries(args raft.AppendEntriesArgs) raft.AppendEntriesReply {
	return raft.AppendEntriesReply{Term: args.Term, Success: len(args.Entries) == 1}
}

func (n *stubNode) AddPeer(addr string) bool {
	n.peers = append(n.peers, addr)
	return true
}

func (n *stubNode) SetLeader(leader string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.leaderID = leader
}

func (n *stubNode) Status() raft.Status {
	return raft.Status{NodeID: n.id, ElectionBlocked: n.blocked}
}

func (n *stubNode) BlockElections()   { n.blocked = true }
func (n *stubNode) UnblockElections() { n.blocked = false }
func (n *stubNode) Reset() error {
	n.resets++
	return nil
}

type fixture struct {
	node     *stubNode
	registry *directory.Registry
	handler  http.Handler
}

func newFixture(t *testing.T, leader bool) *fixture {
	fm, err := filemanager.NewFileManager(t.TempDir())
	require.NoError(t, err)
	reg, err := directory.NewRegistry(fm, discardLogger())
	require.NoError(t, err)
	d := dispatcher.New()
	require.NoError(t, reg.Register(d))

	node := &stubNode{id: "self:8000", leader: leader, d: d}
	fwd := transport.NewHTTPTransport(node.id, time.Second, discardLogger())
	s := NewServer(":0", node, d, fwd, reg, time.Second, discardLogger())
	return &fixture{node: node, registry: reg, handler: s.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	return rec, res
}

func errCode(res map[string]interface{}) string {
	e, _ := res["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestServer_RegisterAndLogin(t *testing.T) {
	f := newFixture(t, true)

	rec, res := f.do(t, http.MethodPost, "/register", `{"username":"alice","password":"pw","ip":"10.0.0.5","port":9000}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, res["ok"])

	rec, res = f.do(t, http.MethodPost, "/register", `{"username":"alice","password":"pw"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeUserExists, errCode(res))

	rec, _ = f.do(t, http.MethodPost, "/register", `{"username":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/login", `{"username":"alice","password":"pw"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/logout", `{"username":"alice"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, res = f.do(t, http.MethodPost, "/login", `{"username":"alice","password":"bad"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeWrongPassword, errCode(res))

	rec, _ = f.do(t, http.MethodPost, "/login", `{"username":"nobody","password":"pw"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/login", `{"username":"alice","password":"pw","ip":"10.0.0.8","port":9001}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	u, _ := f.registry.Get("alice")
	assert.Equal(t, "10.0.0.8", u.IP)

	rec, _ = f.do(t, http.MethodPost, "/login", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StatusRoutes(t *testing.T) {
	f := newFixture(t, true)
	f.do(t, http.MethodPost, "/register", `{"username":"alice","password":"pw"}`)

	rec, _ := f.do(t, http.MethodPost, "/users/status/alice/offline", ``)
	assert.Equal(t, http.StatusOK, rec.Code)
	u, _ := f.registry.Get("alice")
	assert.Equal(t, directory.Offline, u.Status)

	rec, _ = f.do(t, http.MethodPost, "/users/status/alice", ``)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, res := f.do(t, http.MethodGet, "/users/active/alice", ``)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "online", res["data"])

	rec, _ = f.do(t, http.MethodPost, "/users/ip", `{"username":"alice","ip":"10.1.1.1","port":7000}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/heartbeat", `{"username":"alice"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Reads(t *testing.T) {
	f := newFixture(t, true)
	f.do(t, http.MethodPost, "/register", `{"username":"bob","password":"pw","ip":"10.0.0.6","port":9001}`)

	_, res := f.do(t, http.MethodGet, "/users", ``)
	assert.Equal(t, []interface{}{"bob"}, res["data"])

	_, res = f.do(t, http.MethodGet, "/peers", ``)
	peers := res["data"].([]interface{})
	require.Len(t, peers, 1)
	assert.Equal(t, "10.0.0.6", peers[0].(map[string]interface{})["ip"])

	_, res = f.do(t, http.MethodGet, "/users/bob", ``)
	user := res["data"].(map[string]interface{})
	assert.Equal(t, "bob", user["username"])
	assert.NotContains(t, user, "password")

	rec, _ := f.do(t, http.MethodGet, "/users/zed", ``)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_FollowerForwardsToLeader(t *testing.T) {
	leader := newFixture(t, true)
	leaderSrv := httptest.NewServer(leader.handler)
	defer leaderSrv.Close()

	follower := newFixture(t, false)
	follower.node.leaderID = strings.TrimPrefix(leaderSrv.URL, "http://")

	rec, res := follower.do(t, http.MethodPost, "/register", `{"username":"alice","password":"pw"}`)
	assert.Equal(t, http.StatusOK, rec.Code, res)
	_, ok := leader.registry.Get("alice")
	assert.True(t, ok, "the leader must have applied the forwarded command")
	_, ok = follower.registry.Get("alice")
	assert.False(t, ok, "a follower only learns commands through the log")

	rec, res = follower.do(t, http.MethodPost, "/register", `{"username":"alice","password":"pw"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeUserExists, errCode(res))
}

func TestServer_NoForwardLoop(t *testing.T) {
	f := newFixture(t, false)
	f.node.leaderID = "10.9.9.9:8000"

	req := httptest.NewRequest(http.MethodPost, "/logout", strings.NewReader(`{"username":"alice"}`))
	req.Header.Set(transport.HeaderForwardedBy, "other:8000")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_LeaderUnknownOrUnreachable(t *testing.T) {
	f := newFixture(t, false)
	rec, res := f.do(t, http.MethodPost, "/logout", `{"username":"alice"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, CodeLeaderUnknown, errCode(res))

	f.node.leaderID = "127.0.0.1:1"
	rec, res = f.do(t, http.MethodPost, "/logout", `{"username":"alice"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, CodeLeaderUnreachable, errCode(res))
}

func TestServer_QuorumFailure(t *testing.T) {
	f := newFixture(t, true)
	f.node.submitErr = raft.ErrQuorumNotReached

	rec, res := f.do(t, http.MethodPost, "/register", `{"username":"alice","password":"pw"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, CodeQuorumNotReached, errCode(res))
}

func TestServer_PeerRPC(t *testing.T) {
	f := newFixture(t, false)

	rec, res := f.do(t, http.MethodGet, transport.PathLeader, ``)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeLeaderUnknown, errCode(res))

	rec, _ = f.do(t, http.MethodPost, transport.PathLeader, `{"leader":"10.0.0.3:8000"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	_, res = f.do(t, http.MethodGet, transport.PathLeader, ``)
	assert.Equal(t, "10.0.0.3:8000", res["data"].(map[string]interface{})["leader"])

	rec, _ = f.do(t, http.MethodPost, transport.PathAnnounce+"10.0.0.4:8000", ``)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"10.0.0.4:8000"}, f.node.peers)

	_, res = f.do(t, http.MethodPost, transport.PathRequestVote, `{"term":4,"candidate_id":"10.0.0.4:8000","last_log_index":-1,"last_log_term":-1}`)
	assert.Equal(t, true, res["data"].(map[string]interface{})["vote_granted"])
	require.Len(t, f.node.votes, 1)
	assert.Equal(t, 4, f.node.votes[0].Term)

	_, res = f.do(t, http.MethodPost, transport.PathAppendEntries, `{"term":4,"leader_id":"x","prev_log_index":-1,"prev_log_term":-1,"entries":[{"term":4,"index":0,"id":"e","op":"logout","args":{}}],"leader_commit":-1}`)
	assert.Equal(t, true, res["data"].(map[string]interface{})["success"])

	rec, _ = f.do(t, http.MethodGet, transport.PathStatus, ``)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AppendEntriesRejectsInvalidPrevIndex(t *testing.T) {
	f := newFixture(t, false)
	rec, res := f.do(t, http.MethodPost, transport.PathAppendEntries, `{"term":4,"leader_id":"x","prev_log_index":-2,"prev_log_term":-1,"entries":[],"leader_commit":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidArgs, errCode(res))
}

func TestServer_OpsHooks(t *testing.T) {
	f := newFixture(t, true)
	f.do(t, http.MethodPost, "/register", `{"username":"alice","password":"pw"}`)

	_, res := f.do(t, http.MethodPost, "/ops/election/block", ``)
	assert.Equal(t, true, res["data"].(map[string]interface{})["election_blocked"])
	_, res = f.do(t, http.MethodPost, "/ops/election/unblock", ``)
	assert.Equal(t, false, res["data"].(map[string]interface{})["election_blocked"])

	rec, _ := f.do(t, http.MethodPost, "/ops/reset", ``)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.node.resets)
	assert.Empty(t, f.registry.All())
}

func TestServer_RequestID(t *testing.T) {
	f := newFixture(t, true)

	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	req.Header.Set(transport.HeaderRequestID, "abc")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(transport.HeaderRequestID))

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	assert.Len(t, rec.Header().Get(transport.HeaderRequestID), 36)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{directory.ErrInvalidArgs, http.StatusBadRequest},
		{dispatcher.ErrUnknownOp, http.StatusBadRequest},
		{directory.ErrWrongPassword, http.StatusConflict},
		{directory.ErrUserExists, http.StatusConflict},
		{directory.ErrAlreadyOnline, http.StatusForbidden},
		{directory.ErrUserNotFound, http.StatusNotFound},
		{raft.ErrQuorumNotReached, http.StatusServiceUnavailable},
		{raft.ErrLeaderUnknown, http.StatusServiceUnavailable},
		{&raft.NotLeaderError{Leader: "x"}, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := statusOf(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
