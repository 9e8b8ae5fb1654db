package gateway

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/gwDistSys20/identity-manager/directory"
	"github.com/gwDistSys20/identity-manager/dispatcher"
	"github.com/gwDistSys20/identity-manager/raft"
	"github.com/gwDistSys20/identity-manager/transport"
)

// Error codes of the response envelope.
const (
	CodeInvalidArgs       = "invalid_args"
	CodeUnknownOp         = "unknown_op"
	CodeUserExists        = "user_exists"
	CodeWrongPassword     = "wrong_password"
	CodeAlreadyOnline     = "already_online"
	CodeUserNotFound      = "user_not_found"
	CodeQuorumNotReached  = "quorum_not_reached"
	CodeLeaderUnknown     = "leader_unknown"
	CodeLeaderUnreachable = "leader_unreachable"
	CodeNotLeader         = "not_leader"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

var statusTable = []struct {
	err    error
	status int
	code   string
}{
	{directory.ErrInvalidArgs, http.StatusBadRequest, CodeInvalidArgs},
	{dispatcher.ErrUnknownOp, http.StatusBadRequest, CodeUnknownOp},
	{directory.ErrUserExists, http.StatusConflict, CodeUserExists},
	{directory.ErrWrongPassword, http.StatusConflict, CodeWrongPassword},
	{directory.ErrAlreadyOnline, http.StatusForbidden, CodeAlreadyOnline},
	{directory.ErrUserNotFound, http.StatusNotFound, CodeUserNotFound},
	{raft.ErrQuorumNotReached, http.StatusServiceUnavailable, CodeQuorumNotReached},
	{raft.ErrLeaderUnknown, http.StatusServiceUnavailable, CodeLeaderUnknown},
	{raft.ErrLeadershipLost, http.StatusServiceUnavailable, CodeUnavailable},
	{raft.ErrStopped, http.StatusServiceUnavailable, CodeUnavailable},
}

// statusOf maps an error to the HTTP status and code returned to clients.
func statusOf(err error) (int, string) {
	for _, s := range statusTable {
		if errors.Is(err, s.err) {
			return s.status, s.code
		}
	}
	var notLeader *raft.NotLeaderError
	if errors.As(err, &notLeader) {
		return http.StatusServiceUnavailable, CodeNotLeader
	}
	return http.StatusInternalServerError, CodeInternal
}

func writeErr(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	transport.WriteError(w, status, code, err.Error())
}
