package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/gwDistSys20/identity-manager/dispatcher"
	"github.com/gwDistSys20/identity-manager/raft"
	"github.com/gwDistSys20/identity-manager/transport"
)

const maxBodyBytes = 1 << 20

// Node is the consensus side of a manager. *raft.Raft implements it.
type Node interface {
	ID() string
	IsLeader() bool
	Leader() string
	DiscoverLeader(ctx context.Context) string
	Submit(ctx context.Context, op string, args map[string]interface{}) (interface{}, error)
	HandleRequestVote(args raft.RequestVoteArgs) raft.RequestVoteReply
	HandleAppendEntries(args raft.AppendEntriesArgs) raft.AppendEntriesReply
	AddPeer(addr string) bool
	SetLeader(leader string)
	Status() raft.Status
	BlockElections()
	UnblockElections()
	Reset() error
}

// Forwarder replays a client request against the leader.
type Forwarder interface {
	Forward(ctx context.Context, leader string, r *http.Request, body []byte) (*http.Response, error)
}

// Resetter wipes replicated state on an ops reset.
type Resetter interface {
	Reset() error
}

// Server is the HTTP face of a manager: the client API, the manager RPC
// endpoints and the ops hooks.
type Server struct {
	addr       string
	node       Node
	dispatcher *dispatcher.Dispatcher
	forwarder  Forwarder
	state      Resetter
	timeout    time.Duration
	logger     *slog.Logger
	http       *http.Server
}

// NewServer builds a server listening on addr. timeout bounds a client
// command, including forwarding.
func NewServer(addr string, node Node, d *dispatcher.Dispatcher, forwarder Forwarder, state Resetter,
	timeout time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		addr:       addr,
		node:       node,
		dispatcher: d,
		forwarder:  forwarder,
		state:      state,
		timeout:    timeout,
		logger:     logger.With("component", "gateway"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /register", s.mutation(dispatcher.OpRegister))
	mux.HandleFunc("POST /login", s.mutation(dispatcher.OpLogin))
	mux.HandleFunc("POST /logout", s.mutation(dispatcher.OpLogout))
	mux.HandleFunc("POST /heartbeat", s.mutation(dispatcher.OpHeartbeat))
	mux.HandleFunc("POST /users/status/{username}", s.mutation(dispatcher.OpNotifyOnline))
	mux.HandleFunc("POST /users/status/{username}/{status}", s.mutation(dispatcher.OpUpdateStatus))
	mux.HandleFunc("POST /users/ip", s.mutation(dispatcher.OpUpdateIPAddress))

	mux.HandleFunc("GET /peers", s.query(dispatcher.OpGetPeers))
	mux.HandleFunc("GET /users", s.query(dispatcher.OpListUsers))
	mux.HandleFunc("GET /users/{username}", s.query(dispatcher.OpFindByUsername))
	mux.HandleFunc("GET /users/active/{username}", s.query(dispatcher.OpIsUserActive))

	mux.HandleFunc("POST "+transport.PathRequestVote, s.handleRequestVote)
	mux.HandleFunc("POST "+transport.PathAppendEntries, s.handleAppendEntries)
	mux.HandleFunc("POST "+transport.PathAnnounce+"{addr}", s.handleAnnounce)
	mux.HandleFunc("GET "+transport.PathLeader, s.handleGetLeader)
	mux.HandleFunc("POST "+transport.PathLeader, s.handleNewLeader)
	mux.HandleFunc("GET "+transport.PathStatus, s.handleStatus)

	mux.HandleFunc("POST /ops/election/block", s.handleBlockElections)
	mux.HandleFunc("POST /ops/election/unblock", s.handleUnblockElections)
	mux.HandleFunc("POST /ops/reset", s.handleReset)

	return withRequestID(s.logger, mux)
}

// Start serves on a listener bound to the configured address. It returns
// once the listener is open.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.addr)
	}
	s.logger.Info("gateway listening", "addr", l.Addr().String())
	go func() {
		if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "err", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// mutation handles a client command: committed here when this node leads,
// forwarded to the leader otherwise.
func (s *Server) mutation(op dispatcher.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeErr(w, errors.Wrap(err, "read body"))
			return
		}
		args, err := requestArgs(r, body)
		if err != nil {
			transport.WriteError(w, http.StatusBadRequest, CodeInvalidArgs, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		logger := requestLogger(r.Context(), s.logger)

		if s.node.IsLeader() {
			out, err := s.dispatcher.Propose(ctx, s.node, string(op), args)
			var notLeader *raft.NotLeaderError
			if errors.As(err, &notLeader) {
				s.forward(ctx, w, r, body, notLeader.Leader)
				return
			}
			if err != nil {
				logger.Info("command failed", "op", op, "err", err)
				writeErr(w, err)
				return
			}
			transport.WriteRes(w, http.StatusOK, out)
			return
		}

		if by := r.Header.Get(transport.HeaderForwardedBy); by != "" {
			logger.Warn("forwarded request reached a follower", "from", by)
			transport.WriteError(w, http.StatusServiceUnavailable, CodeNotLeader, "this manager is not the leader")
			return
		}
		leader := s.node.Leader()
		if leader == "" {
			leader = s.node.DiscoverLeader(ctx)
		}
		if leader == "" || leader == s.node.ID() {
			writeErr(w, raft.ErrLeaderUnknown)
			return
		}
		s.forward(ctx, w, r, body, leader)
	}
}

func (s *Server) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, leader string) {
	if r.Header.Get(transport.HeaderForwardedBy) != "" {
		transport.WriteError(w, http.StatusServiceUnavailable, CodeNotLeader, "this manager is not the leader")
		return
	}
	resp, err := s.forwarder.Forward(ctx, leader, r, body)
	if err != nil {
		requestLogger(r.Context(), s.logger).Warn("leader unreachable", "leader", leader, "err", err)
		transport.WriteError(w, http.StatusServiceUnavailable, CodeLeaderUnreachable, err.Error())
		return
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// query answers a read-only operation from local state.
func (s *Server) query(op dispatcher.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args, err := requestArgs(r, nil)
		if err != nil {
			transport.WriteError(w, http.StatusBadRequest, CodeInvalidArgs, err.Error())
			return
		}
		out, err := s.dispatcher.Query(string(op), args)
		if err != nil {
			writeErr(w, err)
			return
		}
		transport.WriteRes(w, http.StatusOK, out)
	}
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var args raft.RequestVoteArgs
	if err := decodeBody(r, &args); err != nil {
		transport.WriteError(w, http.StatusBadRequest, CodeInvalidArgs, err.Error())
		return
	}
	transport.WriteRes(w, http.StatusOK, s.node.HandleRequestVote(args))
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var args raft.AppendEntriesArgs
	if err := decodeBody(r, &args); err != nil {
		transport.WriteError(w, http.StatusBadRequest, CodeInvalidArgs, err.Error())
		return
	}
	if args.PrevLogIndex < -1 {
		transport.WriteError(w, http.StatusBadRequest, CodeInvalidArgs, "prev_log_index must be -1 or more")
		return
	}
	transport.WriteRes(w, http.StatusOK, s.node.HandleAppendEntries(args))
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if addr == "" {
		transport.WriteError(w, http.StatusBadRequest, CodeInvalidArgs, "manager address is required")
		return
	}
	added := s.node.AddPeer(addr)
	transport.WriteRes(w, http.StatusOK, map[string]bool{"added": added})
}

func (s *Server) handleGetLeader(w http.ResponseWriter, r *http.Request) {
	leader := s.node.Leader()
	if leader == "" {
		transport.WriteError(w, http.StatusNotFound, CodeLeaderUnknown, "No leader known yet")
		return
	}
	transport.WriteRes(w, http.StatusOK, transport.LeaderRes{Leader: leader})
}

func (s *Server) handleNewLeader(w http.ResponseWriter, r *http.Request) {
	var notice transport.LeaderRes
	if err := decodeBody(r, &notice); err != nil || notice.Leader == "" {
		transport.WriteError(w, http.StatusBadRequest, CodeInvalidArgs, "leader is required")
		return
	}
	s.node.SetLeader(notice.Leader)
	requestLogger(r.Context(), s.logger).Info("new leader notice", "leader", notice.Leader)
	transport.WriteRes(w, http.StatusOK, nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	transport.WriteRes(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleBlockElections(w http.ResponseWriter, r *http.Request) {
	s.node.BlockElections()
	transport.WriteRes(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleUnblockElections(w http.ResponseWriter, r *http.Request) {
	s.node.UnblockElections()
	transport.WriteRes(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.node.Reset(); err != nil {
		writeErr(w, err)
		return
	}
	if s.state != nil {
		if err := s.state.Reset(); err != nil {
			writeErr(w, err)
			return
		}
	}
	requestLogger(r.Context(), s.logger).Warn("manager state reset")
	transport.WriteRes(w, http.StatusOK, s.node.Status())
}

// requestArgs merges the JSON body with the path parameters of r. Path
// parameters win.
func requestArgs(r *http.Request, body []byte) (dispatcher.Args, error) {
	args := dispatcher.Args{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			return nil, errors.Wrap(err, "body must be a JSON object")
		}
	}
	for _, name := range []string{"username", "status"} {
		if v := r.PathValue(name); v != "" {
			args[name] = v
		}
	}
	return args, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	return errors.Wrap(json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v), "decode body")
}
