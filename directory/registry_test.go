package directory

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwDistSys20/identity-manager/dispatcher"
	"github.com/gwDistSys20/identity-manager/filemanager"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDirectory(t *testing.T, dir string) (*Registry, *dispatcher.Dispatcher) {
	fm, err := filemanager.NewFileManager(dir)
	require.NoError(t, err)
	reg, err := NewRegistry(fm, discardLogger())
	require.NoError(t, err)
	d := dispatcher.New()
	require.NoError(t, reg.Register(d))
	return reg, d
}

// commit runs an operation the way a leader does: prepare, then apply.
func commit(t *testing.T, d *dispatcher.Dispatcher, op dispatcher.Op, args dispatcher.Args) (interface{}, error) {
	t.Helper()
	prepared, err := d.Prepare(string(op), args)
	if err != nil {
		return nil, err
	}
	return d.Apply(string(op), prepared)
}

func TestRegistry_Register(t *testing.T) {
	reg, d := newDirectory(t, t.TempDir())

	_, err := commit(t, d, dispatcher.OpRegister, dispatcher.Args{"username": "alice", "password": "pw", "ip": "10.0.0.5", "port": float64(9000)})
	require.NoError(t, err)

	u, ok := reg.Get("alice")
	require.True(t, ok)
	assert.Equal(t, Online, u.Status)
	assert.Equal(t, 9000, u.Port)
	assert.NotEqual(t, "pw", u.Password, "password must be stored hashed")
	assert.False(t, u.LastSeen.IsZero())

	_, err = commit(t, d, dispatcher.OpRegister, dispatcher.Args{"username": "alice", "password": "other"})
	assert.ErrorIs(t, err, ErrUserExists)

	_, err = commit(t, d, dispatcher.OpRegister, dispatcher.Args{"username": "bob"})
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestRegistry_ApplyIsDeterministic(t *testing.T) {
	_, leader := newDirectory(t, t.TempDir())
	followerReg, follower := newDirectory(t, t.TempDir())

	args, err := leader.Prepare("register", dispatcher.Args{"username": "alice", "password": "pw", "ip": "10.0.0.5", "port": 9000})
	require.NoError(t, err)
	_, err = leader.Apply("register", args)
	require.NoError(t, err)
	_, err = follower.Apply("register", args)
	require.NoError(t, err)

	u, ok := followerReg.Get("alice")
	require.True(t, ok)
	assert.Equal(t, args["password"], u.Password)
	assert.Equal(t, args["at"], u.LastSeen.Format(time.RFC3339Nano))
}

func TestRegistry_Login(t *testing.T) {
	reg, d := newDirectory(t, t.TempDir())
	_, err := commit(t, d, dispatcher.OpRegister, dispatcher.Args{"username": "alice", "password": "pw"})
	require.NoError(t, err)

	_, err = commit(t, d, dispatcher.OpLogin, dispatcher.Args{"username": "alice", "password": "pw"})
	assert.ErrorIs(t, err, ErrAlreadyOnline)

	_, err = commit(t, d, dispatcher.OpLogout, dispatcher.Args{"username": "alice"})
	require.NoError(t, err)

	_, err = commit(t, d, dispatcher.OpLogin, dispatcher.Args{"username": "alice", "password": "nope"})
	assert.ErrorIs(t, err, ErrWrongPassword)

	_, err = commit(t, d, dispatcher.OpLogin, dispatcher.Args{"username": "carol", "password": "pw"})
	assert.ErrorIs(t, err, ErrUserNotFound)

	args, err := d.Prepare("login", dispatcher.Args{"username": "alice", "password": "pw", "ip": "10.0.0.7", "port": "9100"})
	require.NoError(t, err)
	_, hasPassword := args["password"]
	assert.False(t, hasPassword, "the password must not reach the log")
	_, err = d.Apply("login", args)
	require.NoError(t, err)

	u, _ := reg.Get("alice")
	assert.Equal(t, Online, u.Status)
	assert.Equal(t, "10.0.0.7", u.IP)
	assert.Equal(t, 9100, u.Port)
}

func TestRegistry_StatusAndAddress(t *testing.T) {
	reg, d := newDirectory(t, t.TempDir())
	_, err := commit(t, d, dispatcher.OpRegister, dispatcher.Args{"username": "alice", "password": "pw", "ip": "10.0.0.5", "port": 9000})
	require.NoError(t, err)

	_, err = commit(t, d, dispatcher.OpUpdateStatus, dispatcher.Args{"username": "alice", "status": "offline"})
	require.NoError(t, err)
	status, err := d.Query("is_user_active", dispatcher.Args{"username": "alice"})
	require.NoError(t, err)
	assert.Equal(t, Offline, status)

	_, err = commit(t, d, dispatcher.OpUpdateStatus, dispatcher.Args{"username": "alice", "status": "away"})
	assert.ErrorIs(t, err, ErrInvalidArgs)

	_, err = commit(t, d, dispatcher.OpNotifyOnline, dispatcher.Args{"username": "alice"})
	require.NoError(t, err)

	_, err = commit(t, d, dispatcher.OpUpdateIPAddress, dispatcher.Args{"username": "alice", "ip": "10.0.0.99"})
	require.NoError(t, err)
	u, _ := reg.Get("alice")
	assert.Equal(t, Online, u.Status)
	assert.Equal(t, "10.0.0.99", u.IP)
	assert.Equal(t, 9000, u.Port)

	_, err = commit(t, d, dispatcher.OpLogout, dispatcher.Args{"username": "ghost"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRegistry_Heartbeat(t *testing.T) {
	reg, d := newDirectory(t, t.TempDir())
	_, err := commit(t, d, dispatcher.OpRegister, dispatcher.Args{"username": "alice", "password": "pw"})
	require.NoError(t, err)
	before, _ := reg.Get("alice")

	_, err = d.Apply("heartbeat", dispatcher.Args{"username": "alice", "at": before.LastSeen.Add(time.Minute).Format(time.RFC3339Nano)})
	require.NoError(t, err)
	after, _ := reg.Get("alice")
	assert.Equal(t, time.Minute, after.LastSeen.Sub(before.LastSeen))

	_, err = commit(t, d, dispatcher.OpHeartbeat, dispatcher.Args{})
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestRegistry_Queries(t *testing.T) {
	_, d := newDirectory(t, t.TempDir())
	_, err := commit(t, d, dispatcher.OpRegister, dispatcher.Args{"username": "bob", "password": "pw", "ip": "10.0.0.6", "port": 9001})
	require.NoError(t, err)
	_, err = commit(t, d, dispatcher.OpRegister, dispatcher.Args{"username": "alice", "password": "pw"})
	require.NoError(t, err)

	names, err := d.Query("list_users", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names)

	peers, err := d.Query("get_peers", nil)
	require.NoError(t, err)
	assert.Equal(t, []Peer{{Username: "bob", IP: "10.0.0.6", Port: 9001}}, peers)

	found, err := d.Query("find_by_username", dispatcher.Args{"username": "bob"})
	require.NoError(t, err)
	assert.Empty(t, found.(User).Password)

	_, err = d.Query("find_by_username", dispatcher.Args{"username": "zed"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRegistry_PersistsAndResets(t *testing.T) {
	dir := t.TempDir()
	reg, d := newDirectory(t, dir)
	_, err := commit(t, d, dispatcher.OpRegister, dispatcher.Args{"username": "alice", "password": "pw"})
	require.NoError(t, err)

	reloaded, _ := newDirectory(t, dir)
	_, ok := reloaded.Get("alice")
	assert.True(t, ok)

	require.NoError(t, reg.Reset())
	assert.Empty(t, reg.All())
	reloaded, _ = newDirectory(t, dir)
	assert.Empty(t, reloaded.All())
}

func TestIntArg(t *testing.T) {
	for _, v := range []interface{}{9000, int64(9000), float64(9000), "9000"} {
		n, err := intArg(dispatcher.Args{"port": v}, "port")
		require.NoError(t, err)
		assert.Equal(t, 9000, n)
	}
	n, err := intArg(dispatcher.Args{}, "port")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = intArg(dispatcher.Args{"port": "abc"}, "port")
	assert.ErrorIs(t, err, ErrInvalidArgs)
	_, err = intArg(dispatcher.Args{"port": 70000}, "port")
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

type fakeNode struct {
	mu     sync.Mutex
	leader bool
	d      *dispatcher.Dispatcher
	ops    []string
}

func (n *fakeNode) IsLeader() bool {
	return n.leader
}

func (n *fakeNode) Submit(_ context.Context, op string, args map[string]interface{}) (interface{}, error) {
	n.mu.Lock()
	n.ops = append(n.ops, op)
	n.mu.Unlock()
	return n.d.Apply(op, args)
}

type fakeNotifier struct {
	mu    sync.Mutex
	posts []string
	done  chan struct{}
}

func (f *fakeNotifier) Post(_ context.Context, addr, path string, _ interface{}) error {
	f.mu.Lock()
	f.posts = append(f.posts, addr+path)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func TestSweeper(t *testing.T) {
	reg, d := newDirectory(t, t.TempDir())
	_, err := commit(t, d, dispatcher.OpRegister, dispatcher.Args{"username": "alice", "password": "pw", "ip": "10.0.0.5", "port": 9000})
	require.NoError(t, err)
	_, err = commit(t, d, dispatcher.OpRegister, dispatcher.Args{"username": "bob", "password": "pw"})
	require.NoError(t, err)

	node := &fakeNode{d: d}
	notifier := &fakeNotifier{done: make(chan struct{}, 1)}
	s := NewSweeper(reg, d, node, notifier, time.Second, 30*time.Second, time.Second, discardLogger())
	s.now = func() time.Time { return time.Now().Add(time.Minute) }

	assert.Empty(t, s.Sweep(context.Background()), "followers never sweep")

	node.leader = true
	swept := s.Sweep(context.Background())
	assert.ElementsMatch(t, []string{"alice", "bob"}, swept)
	assert.Equal(t, []string{"update_status", "update_status"}, node.ops)

	u, _ := reg.Get("alice")
	assert.Equal(t, Offline, u.Status)

	select {
	case <-notifier.done:
	case <-time.After(time.Second):
		t.Fatal("client was not told to disconnect")
	}
	assert.Equal(t, []string{"10.0.0.5:9000/disconnect"}, notifier.posts)

	assert.Empty(t, s.Sweep(context.Background()), "offline users are not swept twice")
}
