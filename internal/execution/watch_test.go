package execution

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testrig/internal/api"
	"testrig/internal/framework"
	"testrig/internal/security"
)

type fakeChangeSource struct {
	ch     chan []string
	mu     sync.Mutex
	root   string
	closed bool
}

func (f *fakeChangeSource) Changes() <-chan []string { return f.ch }

func (f *fakeChangeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChangeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func receive(t *testing.T, ch <-chan WatchBatch) WatchBatch {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no watch batch")
		return WatchBatch{}
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"src/cart.t", "src/cart.js", "lib/util.js"} {
		p := filepath.Join(dir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}

	source := &fakeChangeSource{ch: make(chan []string)}
	spawner := newFakeSpawner(passArgs(0))
	engine := NewEngine(Config{KillGracePeriod: 50 * time.Millisecond}, Options{
		Registry:  framework.NewRegistry(&lineFramework{}),
		Validator: security.NewDefaultValidator(testLimits()),
		Spawner:   spawner,
		Watcher: func(root string, _ time.Duration) (ChangeSource, error) {
			source.root = root
			return source, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches, err := engine.Watch(ctx, api.RunRequest{Framework: fakeFramework, Dir: dir, TestPath: "src", Watch: true})
	require.NoError(t, err)

	initial := receive(t, batches)
	assert.Equal(t, 0, initial.Round)
	assert.NoError(t, initial.Err)
	assert.Equal(t, []string{"src"}, names(initial.Results))
	assert.Equal(t, filepath.Join(dir, "src"), source.root)

	// A source change re-runs the test next to it
	source.ch <- []string{filepath.Join(dir, "src", "cart.js")}
	round := receive(t, batches)
	assert.Equal(t, 1, round.Round)
	assert.Equal(t, []string{filepath.Join("src", "cart.t")}, round.Files)
	assert.Equal(t, []string{filepath.Join("src", "cart.t")}, names(round.Results))

	// Changes without affected tests produce no batch
	source.ch <- []string{filepath.Join(dir, "lib", "util.js")}
	source.ch <- []string{filepath.Join(dir, "src", "cart.t")}
	round = receive(t, batches)
	assert.Equal(t, 2, round.Round)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-batches:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, source.isClosed())
	assert.Equal(t, 3, spawner.spawnCount())
}

func TestWatch_RejectsInvalidRequest(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeSpawner(passArgs(0)), nil)

	_, err := engine.Watch(context.Background(), api.RunRequest{Framework: fakeFramework, TestPath: "../x"})
	assert.True(t, api.IsValidation(err))
}

func TestFSWatcher_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755))

	source, err := NewFSWatcher(dir, 50*time.Millisecond)
	require.NoError(t, err)
	defer source.Close()

	a := filepath.Join(dir, "a.t")
	b := filepath.Join(dir, "b.t")
	require.NoError(t, os.WriteFile(a, []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(a, []byte("2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "x.t"), []byte("1"), 0o644))

	select {
	case files := <-source.Changes():
		assert.Equal(t, []string{a, b}, files)
	case <-time.After(3 * time.Second):
		t.Fatal("no change batch")
	}
}

func TestWatchRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.t"), nil, 0o644))

	assert.Equal(t, dir, watchRoot(dir, ""))
	assert.Equal(t, dir, watchRoot(dir, "./..."))
	assert.Equal(t, dir, watchRoot(dir, "a.t"))
	assert.Equal(t, filepath.Join(dir, "pkg"), watchRoot(dir, "pkg/..."))
}

// countingExecutor records the requests it forwards.
type countingExecutor struct {
	next Executor

	mu       sync.Mutex
	requests []api.RunRequest
}

func (c *countingExecutor) Execute(ctx context.Context, req api.RunRequest) ([]api.TestOutcome, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.next.Execute(ctx, req)
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func TestWatchWith_RoundsGoThroughExecutor(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "cart.t"), nil, 0o644))

	source := &fakeChangeSource{ch: make(chan []string)}
	engine := NewEngine(Config{KillGracePeriod: 50 * time.Millisecond}, Options{
		Registry:  framework.NewRegistry(&lineFramework{}),
		Validator: security.NewDefaultValidator(testLimits()),
		Spawner:   newFakeSpawner(passArgs(0)),
		Watcher: func(string, time.Duration) (ChangeSource, error) {
			return source, nil
		},
	})
	exec := &countingExecutor{next: engine}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches, err := engine.WatchWith(ctx, api.RunRequest{Framework: fakeFramework, Dir: dir, TestPath: "src", Watch: true}, exec)
	require.NoError(t, err)

	require.NoError(t, receive(t, batches).Err)
	source.ch <- []string{filepath.Join(dir, "src", "cart.t")}
	require.NoError(t, receive(t, batches).Err)

	assert.Equal(t, 2, exec.count())
	assert.False(t, exec.requests[0].Watch)
	assert.Equal(t, []string{filepath.Join("src", "cart.t")}, exec.requests[1].Files)
}
