package raft

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
)

// Config holds the tunables of a single node.
type Config struct {
	// ID is the address other managers use to reach this node.
	ID                 string
	Peers              []string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	// QuorumThreshold is k: strictly more than k acknowledgements, the
	// node itself included, are needed to commit or to win an election.
	// Zero derives k from the current peer set.
	QuorumThreshold int
}

// Raft struct
type Raft struct {
	mutex sync.Mutex
	// proposeMutex lets a single client command be appended and replicated
	// at a time.
	proposeMutex sync.Mutex

	id         string
	conf       Config
	logger     *slog.Logger
	logStore   LogStore
	stateStore StateStore
	applier    Applier
	transport  Transport
	observer   LeaderObserver

	state    State
	term     int
	votedFor string
	leaderID string
	peers    []string

	// log replication
	logs        []LogEntry
	commitIndex int
	lastApplied int
	nextIndex   map[string]int
	matchIndex  map[string]int

	electionTimer   *electionTimer
	heartbeatCancel context.CancelFunc
	running         bool
	stopped         bool
}

// NewRaft loads the persisted state and log and returns a follower. The node
// takes no part in the protocol until Start is called.
func NewRaft(conf Config, logStore LogStore, stateStore StateStore, applier Applier, transport Transport, logger *slog.Logger) (*Raft, error) {
	if conf.ID == "" {
		return nil, errors.New("raft: node id is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ps, err := stateStore.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load persistent state")
	}
	logs, err := logStore.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load log")
	}
	if err := checkLoaded(ps, logs); err != nil {
		return nil, err
	}

	r := &Raft{
		id:          conf.ID,
		conf:        conf,
		logger:      logger.With("component", "raft", "node", conf.ID),
		logStore:    logStore,
		stateStore:  stateStore,
		applier:     applier,
		transport:   transport,
		state:       Follower,
		term:        ps.CurrentTerm,
		votedFor:    ps.VotedFor,
		logs:        logs,
		commitIndex: ps.CommitIndex,
		lastApplied: ps.LastApplied,
	}
	for _, peer := range conf.Peers {
		r.addPeerLocked(peer)
	}
	r.electionTimer = newElectionTimer(conf.ElectionTimeoutMin, conf.ElectionTimeoutMax, r.onElectionTimeout)

	r.logger.Info("loaded persistent state",
		"term", r.term, "votedFor", r.votedFor, "commitIndex", r.commitIndex,
		"lastApplied", r.lastApplied, "logLength", len(r.logs))
	return r, nil
}

func checkLoaded(ps PersistentState, logs []LogEntry) error {
	for i, entry := range logs {
		if entry.Index != i {
			return errors.Wrapf(ErrCorruptState, "log entry at position %d has index %d", i, entry.Index)
		}
		if i > 0 && entry.Term < logs[i-1].Term {
			return errors.Wrapf(ErrCorruptState, "log term decreases at index %d", i)
		}
	}
	if ps.CurrentTerm < 0 || ps.LastApplied < -1 || ps.CommitIndex < -1 {
		return errors.Wrap(ErrCorruptState, "negative term or index")
	}
	if ps.LastApplied > ps.CommitIndex {
		return errors.Wrapf(ErrCorruptState, "last_applied %d beyond commit_index %d", ps.LastApplied, ps.CommitIndex)
	}
	if ps.CommitIndex > len(logs)-1 {
		return errors.Wrapf(ErrCorruptState, "commit_index %d beyond log length %d", ps.CommitIndex, len(logs))
	}
	if len(logs) > 0 && logs[len(logs)-1].Term > ps.CurrentTerm {
		return errors.Wrapf(ErrCorruptState, "log holds term %d beyond current term %d", logs[len(logs)-1].Term, ps.CurrentTerm)
	}
	return nil
}

// SetLeaderObserver registers who hears about won elections.
func (r *Raft) SetLeaderObserver(o LeaderObserver) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.observer = o
}

// Start applies any committed-but-unapplied entries left from a previous run
// and arms the election timer.
func (r *Raft) Start() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.running || r.stopped {
		return
	}
	r.running = true
	if _, err := r.applyCommittedLocked(-1); err != nil {
		r.logger.Error("apply on start failed", "err", err)
	}
	r.electionTimer.Reset()
	r.logger.Info("node started", "peers", r.peers)
}

// Stop cancels the timer and heartbeat loop and gives up leadership. A
// stopped node rejects every RPC and command.
func (r *Raft) Stop() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	r.electionTimer.Close()
	r.stopHeartbeatsLocked()
	r.state = Follower
	r.logger.Info("node stopped")
}

func (r *Raft) ID() string {
	return r.id
}

func (r *Raft) GetState() State {
	r.mutex.Lock()
	s := r.state
	r.mutex.Unlock()
	return s
}

func (r *Raft) IsLeader() bool {
	return r.GetState() == Leader
}

// Term returns the current term.
func (r *Raft) Term() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.term
}

// Leader returns the best known leader address or "".
func (r *Raft) Leader() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.leaderID
}

// CommitIndex returns the highest committed index.
func (r *Raft) CommitIndex() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.commitIndex
}

// Entries returns a copy of the in-memory log.
func (r *Raft) Entries() []LogEntry {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]LogEntry(nil), r.logs...)
}

// Status is the NodeStatus diagnostic.
func (r *Raft) Status() Status {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return Status{
		NodeID:          r.id,
		Role:            r.state,
		CurrentTerm:     r.term,
		VotedFor:        r.votedFor,
		Leader:          r.leaderID,
		CommitIndex:     r.commitIndex,
		LastApplied:     r.lastApplied,
		LogLength:       len(r.logs),
		Peers:           append([]string{}, r.peers...),
		ElectionBlocked: r.electionTimer.Blocked(),
	}
}

// Peers returns the known peer addresses.
func (r *Raft) Peers() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.peers...)
}

// AddPeer handles AnnounceManager. It reports whether the peer was new.
func (r *Raft) AddPeer(addr string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.addPeerLocked(addr)
}

func (r *Raft) addPeerLocked(addr string) bool {
	if addr == "" || addr == r.id || funk.ContainsString(r.peers, addr) {
		return false
	}
	r.peers = append(r.peers, addr)
	if r.state == Leader && r.nextIndex != nil {
		r.nextIndex[addr] = len(r.logs)
		r.matchIndex[addr] = 0
	}
	r.logger.Info("peer added", "peer", addr)
	return true
}

// SetLeader handles a NewLeaderNotice. A node that leads ignores notices, the
// term check of the next RPC settles any disagreement.
func (r *Raft) SetLeader(leader string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.state == Leader || leader == "" {
		return
	}
	r.leaderID = leader
}

// DiscoverLeader asks every peer for its known leader and adopts the first
// positive answer.
func (r *Raft) DiscoverLeader(ctx context.Context) string {
	if leader := r.Leader(); leader != "" {
		return leader
	}
	peers := r.Peers()
	if len(peers) == 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, r.conf.RPCTimeout)
	defer cancel()

	answers := make(chan string, len(peers))
	for _, peer := range peers {
		go func(peer string) {
			leader, err := r.transport.GetLeader(ctx, peer)
			if err != nil {
				r.logger.Debug("get leader failed", "peer", peer, "err", err)
			}
			answers <- leader
		}(peer)
	}
	for range peers {
		if leader := <-answers; leader != "" {
			r.SetLeader(leader)
			return r.Leader()
		}
	}
	return ""
}

// Announce tells every known peer that this node exists.
func (r *Raft) Announce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, peer := range r.Peers() {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			c, cancel := context.WithTimeout(ctx, r.conf.RPCTimeout)
			defer cancel()
			if err := r.transport.Announce(c, peer, r.id); err != nil {
				r.logger.Warn("announce failed", "peer", peer, "err", err)
			}
		}(peer)
	}
	wg.Wait()
}

// BlockElections freezes the election timer.
func (r *Raft) BlockElections() {
	r.electionTimer.Block()
	r.logger.Info("election timer blocked")
}

// UnblockElections resumes the election timer with a fresh timeout.
func (r *Raft) UnblockElections() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.electionTimer.Unblock()
	if r.state == Leader {
		r.electionTimer.Stop()
	}
	r.logger.Info("election timer unblocked")
}

// Reset wipes the persisted log and state and returns to a fresh follower.
func (r *Raft) Reset() error {
	r.proposeMutex.Lock()
	defer r.proposeMutex.Unlock()
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := r.logStore.Reset(); err != nil {
		return errors.Wrap(err, "reset log store")
	}
	if err := r.stateStore.Reset(); err != nil {
		return errors.Wrap(err, "reset state store")
	}
	r.stopHeartbeatsLocked()
	r.state = Follower
	r.term = 0
	r.votedFor = ""
	r.leaderID = ""
	r.logs = nil
	r.commitIndex = -1
	r.lastApplied = -1
	if r.running {
		r.electionTimer.Reset()
	}
	r.logger.Warn("persistent state reset")
	return nil
}

// quorumLocked returns k. Expects r.mutex to be locked.
func (r *Raft) quorumLocked() int {
	if r.conf.QuorumThreshold > 0 {
		return r.conf.QuorumThreshold
	}
	return (len(r.peers) + 1) / 2
}

// persistLocked writes term, vote and commit progress. Expects r.mutex to be
// locked.
func (r *Raft) persistLocked() error {
	err := r.stateStore.Save(PersistentState{
		CurrentTerm: r.term,
		VotedFor:    r.votedFor,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
	})
	if err != nil {
		r.logger.Error("persist state failed", "err", err)
		return errors.Wrap(err, "persist state")
	}
	return nil
}

// lastLogIndexAndTerm returns the last log index and the last log entry's term
// (or -1 if there's no log) for this server.
// Expects r.mutex to be locked.
func (r *Raft) lastLogIndexAndTerm() (int, int) {
	if len(r.logs) > 0 {
		lastIndex := len(r.logs) - 1
		return lastIndex, r.logs[lastIndex].Term
	}
	return -1, -1
}

// atLeastAsUpToDate reports whether a log ending at (term, index) is at least
// as up to date as this node's log tail. Expects r.mutex to be locked.
func (r *Raft) atLeastAsUpToDate(term, index int) bool {
	lastIndex, lastTerm := r.lastLogIndexAndTerm()
	return term > lastTerm || (term == lastTerm && index >= lastIndex)
}
