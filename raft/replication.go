package raft

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// HandleAppendEntries is the AppendEntries RPC, used both for replication and
// as the heartbeat.
func (r *Raft) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	reply := AppendEntriesReply{Term: r.term}
	if r.stopped || args.Term < r.term {
		return reply
	}
	if args.PrevLogIndex < -1 {
		r.logger.Warn("rejecting AppendEntries with invalid prevLogIndex", "leader", args.LeaderID, "prevLogIndex", args.PrevLogIndex)
		return reply
	}
	if args.Term > r.term {
		r.logger.Info("term out of date in AppendEntries", "leader", args.LeaderID, "term", args.Term)
		if err := r.stepDownLocked(args.Term); err != nil {
			reply.Term = r.term
			return reply
		}
	} else if r.state != Follower {
		r.becomeFollowerLocked()
	}
	reply.Term = r.term
	r.leaderID = args.LeaderID
	if r.running {
		r.electionTimer.Reset()
	}

	if args.PrevLogIndex >= 0 {
		if len(r.logs) < args.PrevLogIndex+1 || r.logs[args.PrevLogIndex].Term != args.PrevLogTerm {
			r.logger.Debug("log mismatch", "prevLogIndex", args.PrevLogIndex, "prevLogTerm", args.PrevLogTerm, "logLength", len(r.logs))
			return reply
		}
	}

	insertAt := args.PrevLogIndex + 1
	newEntries := 0
	for newEntries < len(args.Entries) {
		idx := insertAt + newEntries
		if idx >= len(r.logs) {
			break
		}
		existing, incoming := r.logs[idx], args.Entries[newEntries]
		if existing.Term == incoming.Term && existing.ID == incoming.ID {
			newEntries++
			continue
		}
		if idx <= r.commitIndex {
			r.logger.Error("leader tried to overwrite a committed entry", "index", idx, "commitIndex", r.commitIndex)
			return reply
		}
		if err := r.logStore.TruncateFrom(idx); err != nil {
			r.logger.Error("truncate log failed", "index", idx, "err", err)
			return reply
		}
		r.logger.Info("truncated conflicting entries", "from", idx, "dropped", len(r.logs)-idx)
		r.logs = r.logs[:idx]
		break
	}

	if newEntries < len(args.Entries) {
		toAppend := make([]LogEntry, 0, len(args.Entries)-newEntries)
		for i, entry := range args.Entries[newEntries:] {
			entry.Index = insertAt + newEntries + i
			entry.Applied = false
			toAppend = append(toAppend, entry)
		}
		if err := r.logStore.Append(toAppend...); err != nil {
			r.logger.Error("append entries failed", "err", err)
			return reply
		}
		r.logs = append(r.logs, toAppend...)
		r.logger.Debug("appended entries", "from", toAppend[0].Index, "count", len(toAppend))
	}

	// only entries this call has proven to match the leader may be committed
	lastVerified := args.PrevLogIndex + len(args.Entries)
	if args.LeaderCommit > r.commitIndex && lastVerified > r.commitIndex {
		newCommit := args.LeaderCommit
		if lastVerified < newCommit {
			newCommit = lastVerified
		}
		r.commitIndex = newCommit
		r.logger.Debug("setting commitIndex", "commitIndex", r.commitIndex)
		if _, err := r.applyCommittedLocked(-1); err != nil {
			return reply
		}
	}

	reply.Success = true
	return reply
}

func (r *Raft) runHeartbeats(ctx context.Context, term int) {
	ticker := time.NewTicker(r.conf.HeartbeatInterval)
	defer ticker.Stop()

	// Send periodic heartbeats, as long as still leader.
	for {
		r.broadcastAppendEntries(ctx, term)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// broadcastAppendEntries sends one AppendEntries to every peer, each on its
// own goroutine.
func (r *Raft) broadcastAppendEntries(ctx context.Context, term int) {
	for _, peer := range r.Peers() {
		go func(peer string) {
			c, cancel := context.WithTimeout(ctx, r.conf.RPCTimeout)
			defer cancel()
			r.replicateTo(c, peer, term, false)
		}(peer)
	}
}

// replicateTo sends the peer everything from its nextIndex onward. With
// retry it keeps backing nextIndex off until the logs match or ctx ends;
// otherwise the next heartbeat retries. It returns the highest index the
// peer is known to hold.
func (r *Raft) replicateTo(ctx context.Context, peer string, term int, retry bool) (int, bool) {
	for {
		r.mutex.Lock()
		if r.stopped || r.state != Leader || r.term != term || r.nextIndex == nil {
			r.mutex.Unlock()
			return -1, false
		}
		next, ok := r.nextIndex[peer]
		if !ok || next > len(r.logs) {
			next = len(r.logs)
			r.nextIndex[peer] = next
		}
		prevLogIndex := next - 1
		prevLogTerm := -1
		if prevLogIndex >= 0 {
			prevLogTerm = r.logs[prevLogIndex].Term
		}
		entries := make([]LogEntry, len(r.logs)-next)
		copy(entries, r.logs[next:])
		for i := range entries {
			entries[i].Applied = false
		}
		matched := prevLogIndex + len(entries)
		matchedID := ""
		if matched >= 0 {
			matchedID = r.logs[matched].ID
		}
		args := AppendEntriesArgs{
			Term:         term,
			LeaderID:     r.id,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      entries,
			LeaderCommit: r.commitIndex,
		}
		r.mutex.Unlock()

		reply, err := r.transport.AppendEntries(ctx, peer, args)
		if err != nil {
			r.logger.Debug("append entries failed", "peer", peer, "err", err)
			return -1, false
		}

		r.mutex.Lock()
		if r.stopped {
			r.mutex.Unlock()
			return -1, false
		}
		if reply.Term > r.term {
			r.logger.Info("term out of date in AppendEntries reply", "peer", peer, "term", reply.Term)
			if err := r.stepDownLocked(reply.Term); err != nil {
				r.logger.Warn("step down not persisted", "term", reply.Term, "err", err)
			}
			r.mutex.Unlock()
			return -1, false
		}
		if r.state != Leader || r.term != term || r.nextIndex == nil {
			r.mutex.Unlock()
			return -1, false
		}
		if reply.Success {
			// the log may have been rolled back while the call was in flight
			still := matched < 0 || (matched < len(r.logs) && r.logs[matched].ID == matchedID)
			if still {
				if matched+1 > r.nextIndex[peer] {
					r.nextIndex[peer] = matched + 1
				}
				if matched > r.matchIndex[peer] {
					r.matchIndex[peer] = matched
				}
			}
			r.mutex.Unlock()
			return matched, still
		}
		if r.nextIndex[peer] == next && next > 0 {
			r.nextIndex[peer] = next - 1
		}
		r.logger.Debug("log mismatch on peer, backing off", "peer", peer, "nextIndex", r.nextIndex[peer])
		r.mutex.Unlock()

		if !retry || next == 0 || ctx.Err() != nil {
			return -1, false
		}
	}
}

// Submit commits a client operation through the log and returns what the
// state machine answered. A follower returns *NotLeaderError or
// ErrLeaderUnknown.
func (r *Raft) Submit(ctx context.Context, op string, args map[string]interface{}) (interface{}, error) {
	r.proposeMutex.Lock()
	defer r.proposeMutex.Unlock()

	r.mutex.Lock()
	if r.stopped {
		r.mutex.Unlock()
		return nil, ErrStopped
	}
	if r.state != Leader {
		leader := r.leaderID
		r.mutex.Unlock()
		if leader != "" {
			return nil, &NotLeaderError{Leader: leader}
		}
		return nil, ErrLeaderUnknown
	}
	entry := LogEntry{
		Term:  r.term,
		Index: len(r.logs),
		ID:    uuid.NewString(),
		Op:    op,
		Args:  args,
	}
	if err := r.logStore.Append(entry); err != nil {
		r.mutex.Unlock()
		return nil, errors.Wrap(err, "append entry")
	}
	r.logs = append(r.logs, entry)
	term := r.term
	peers := append([]string(nil), r.peers...)
	k := r.quorumLocked()
	r.mutex.Unlock()

	acks := 1
	if acks <= k {
		acks += r.replicateEntry(ctx, entry, peers, k)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.state != Leader || r.term != term {
		r.logger.Warn("stepped down while replicating", "index", entry.Index)
		return nil, ErrLeadershipLost
	}
	if acks <= k {
		r.rollbackLocked(entry)
		r.logger.Warn("quorum not reached, entry rolled back", "index", entry.Index, "acks", acks, "needed", k+1)
		return nil, ErrQuorumNotReached
	}

	if entry.Index > r.commitIndex {
		r.commitIndex = entry.Index
	}
	r.logger.Info("leader sets commitIndex", "commitIndex", r.commitIndex, "op", op)
	out, err := r.applyCommittedLocked(entry.Index)
	if err != nil {
		return nil, err
	}
	go r.broadcastAppendEntries(context.Background(), term)
	return out.value, out.err
}

// replicateEntry pushes the new entry to every peer concurrently and returns
// how many acknowledged it, stopping early once the quorum is reached.
func (r *Raft) replicateEntry(ctx context.Context, entry LogEntry, peers []string, k int) int {
	ctx, cancel := context.WithTimeout(ctx, r.conf.RPCTimeout)
	defer cancel()

	results := make(chan bool, len(peers))
	for _, peer := range peers {
		go func(peer string) {
			matched, ok := r.replicateTo(ctx, peer, entry.Term, true)
			results <- ok && matched >= entry.Index
		}(peer)
	}
	acks := 0
	for range peers {
		if <-results {
			acks++
			if acks+1 > k {
				break
			}
		}
	}
	return acks
}

// rollbackLocked removes a tentative entry that failed to reach a quorum.
// Expects r.mutex to be locked.
func (r *Raft) rollbackLocked(entry LogEntry) {
	if entry.Index >= len(r.logs) || r.logs[entry.Index].ID != entry.ID {
		return
	}
	if err := r.logStore.TruncateFrom(entry.Index); err != nil {
		r.logger.Error("rollback failed", "index", entry.Index, "err", err)
		return
	}
	r.logs = r.logs[:entry.Index]
	for peer, next := range r.nextIndex {
		if next > len(r.logs) {
			r.nextIndex[peer] = len(r.logs)
		}
		if r.matchIndex[peer] > len(r.logs)-1 {
			r.matchIndex[peer] = len(r.logs) - 1
		}
	}
}

// applied is the state machine's answer to one entry.
type applied struct {
	value interface{}
	err   error
}

// applyCommittedLocked applies entries in index order up to commitIndex and
// persists the new progress. The answer for index want is returned.
// Expects r.mutex to be locked.
func (r *Raft) applyCommittedLocked(want int) (applied, error) {
	var out applied
	start := r.lastApplied
	for r.lastApplied < r.commitIndex {
		next := r.lastApplied + 1
		if next >= len(r.logs) {
			r.logger.Error("commit index beyond log, aborting apply",
				"commitIndex", r.commitIndex, "logLength", len(r.logs))
			r.persistLocked()
			return out, errors.Errorf("raft: commit index %d beyond log length %d", r.commitIndex, len(r.logs))
		}
		res, err := r.applyEntryLocked(next)
		if err != nil {
			r.persistLocked()
			return out, err
		}
		if next == want {
			out = res
		}
		r.lastApplied = next
	}
	if err := r.persistLocked(); err != nil {
		return out, err
	}
	if r.lastApplied > start {
		r.logger.Debug("applied entries", "from", start+1, "to", r.lastApplied)
	}
	return out, nil
}

// applyEntryLocked runs one entry through the state machine once. The
// durable applied flag is set before the operation runs, so an entry with the
// same index and term is never executed twice. Expects r.mutex to be locked.
func (r *Raft) applyEntryLocked(index int) (applied, error) {
	entry := r.logs[index]
	stored, ok, err := r.logStore.Get(index)
	if err != nil {
		return applied{}, errors.Wrapf(err, "read entry %d", index)
	}
	if ok && stored.Applied && stored.Term == entry.Term {
		r.logs[index].Applied = true
		r.logger.Debug("entry already applied, skipping", "index", index, "term", entry.Term)
		return applied{}, nil
	}
	if err := r.logStore.MarkApplied(index, entry.Term); err != nil {
		return applied{}, errors.Wrapf(err, "mark entry %d applied", index)
	}
	r.logs[index].Applied = true

	value, applyErr := r.applier.Apply(entry.Op, entry.Args)
	if applyErr != nil {
		r.logger.Debug("operation rejected by state machine", "index", index, "op", entry.Op, "err", applyErr)
	}
	return applied{value: value, err: applyErr}, nil
}
