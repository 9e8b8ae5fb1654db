package dispatcher

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
)

// Op names an operation of the directory state machine.
type Op string

// Mutating operations travel through the replicated log.
const (
	OpRegister        Op = "register"
	OpLogin           Op = "login"
	OpLogout          Op = "logout"
	OpNotifyOnline    Op = "notify_online"
	OpUpdateStatus    Op = "update_status"
	OpHeartbeat       Op = "heartbeat"
	OpUpdateIPAddress Op = "update_ip_address"
)

// Read-only operations are answered from local state.
const (
	OpGetPeers       Op = "get_peers"
	OpListUsers      Op = "list_users"
	OpFindByUsername Op = "find_by_username"
	OpIsUserActive   Op = "is_user_active"
)

// Ops lists every operation the dispatcher accepts.
var Ops = []Op{
	OpRegister, OpLogin, OpLogout, OpNotifyOnline, OpUpdateStatus, OpHeartbeat, OpUpdateIPAddress,
	OpGetPeers, OpListUsers, OpFindByUsername, OpIsUserActive,
}

// ErrUnknownOp is returned for any name outside Ops or without a handler.
var ErrUnknownOp = errors.New("dispatcher: unknown operation")

// Args are the arguments of one operation as they appear in a log entry.
type Args = map[string]interface{}

// Handler implements one operation. Mutating handlers set Apply, read-only
// handlers set Query. Prepare runs once on the leader before the entry is
// appended so every replica applies the same arguments.
type Handler struct {
	Prepare func(args Args) (Args, error)
	Apply   func(args Args) (interface{}, error)
	Query   func(args Args) (interface{}, error)
}

// ReadOnly reports whether the handler never changes state.
func (h Handler) ReadOnly() bool {
	return h.Apply == nil
}

// Dispatcher maps operation names to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Op]Handler
}

func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[Op]Handler)}
}

// Register binds h to op. Only names listed in Ops may be registered.
func (d *Dispatcher) Register(op Op, h Handler) error {
	if !isKnown(op) {
		return errors.Wrapf(ErrUnknownOp, "register %q", op)
	}
	if (h.Apply == nil) == (h.Query == nil) {
		return errors.Errorf("dispatcher: %s needs exactly one of Apply or Query", op)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[op] = h
	return nil
}

func (d *Dispatcher) lookup(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[Op(name)]
	return h, ok
}

// Known reports whether name has a handler.
func (d *Dispatcher) Known(name string) bool {
	_, ok := d.lookup(name)
	return ok
}

// ReadOnly reports whether name is a registered read-only operation.
func (d *Dispatcher) ReadOnly(name string) bool {
	h, ok := d.lookup(name)
	return ok && h.ReadOnly()
}

// Prepare validates a mutating operation and returns the arguments to put in
// the log.
func (d *Dispatcher) Prepare(name string, args Args) (Args, error) {
	h, ok := d.lookup(name)
	if !ok || h.ReadOnly() {
		return nil, errors.Wrapf(ErrUnknownOp, "prepare %q", name)
	}
	if args == nil {
		args = Args{}
	}
	if h.Prepare == nil {
		return args, nil
	}
	return h.Prepare(args)
}

// Apply executes a committed mutating operation. It implements raft.Applier.
func (d *Dispatcher) Apply(name string, args map[string]interface{}) (interface{}, error) {
	h, ok := d.lookup(name)
	if !ok || h.ReadOnly() {
		return nil, errors.Wrapf(ErrUnknownOp, "apply %q", name)
	}
	if args == nil {
		args = Args{}
	}
	return h.Apply(args)
}

// Query answers a read-only operation from local state.
func (d *Dispatcher) Query(name string, args Args) (interface{}, error) {
	h, ok := d.lookup(name)
	if !ok || !h.ReadOnly() {
		return nil, errors.Wrapf(ErrUnknownOp, "query %q", name)
	}
	if args == nil {
		args = Args{}
	}
	return h.Query(args)
}

// Submitter commits an operation through the replicated log.
type Submitter interface {
	Submit(ctx context.Context, op string, args map[string]interface{}) (interface{}, error)
}

// Propose prepares a mutating operation and submits it.
func (d *Dispatcher) Propose(ctx context.Context, s Submitter, name string, args Args) (interface{}, error) {
	prepared, err := d.Prepare(name, args)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, name, prepared)
}

func isKnown(op Op) bool {
	return funk.Contains(Ops, op)
}
