package execution

import (
	"bytes"
	"slices"
	"sync"
	"time"

	"testrig/internal/api"
)

// handle is the engine-owned state of one run. Status, buffers and results
// are only written by the goroutine supervising the run.
type handle struct {
	id        string
	parentID  string
	framework api.Framework
	req       api.RunRequest
	startedAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	pid      int
	status   api.RunStatus
	endedAt  time.Time
	children []string
	results  []api.TestOutcome
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	errMsg   string
	stopping bool
}

func newHandle(id string, req api.RunRequest, parent *handle) *handle {
	h := &handle{
		id:        id,
		framework: req.Framework,
		req:       req,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		status:    api.RunRunning,
	}
	if parent != nil {
		h.parentID = parent.id
	}
	return h
}

func (h *handle) appendStdout(line string) {
	h.mu.Lock()
	h.stdout.WriteString(line)
	h.stdout.WriteByte('\n')
	h.mu.Unlock()
}

func (h *handle) appendStderr(line string) {
	h.mu.Lock()
	h.stderr.WriteString(line)
	h.stderr.WriteByte('\n')
	h.mu.Unlock()
}

// output returns copies of the captured buffers.
func (h *handle) output() (stdout, stderr []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bytes.Clone(h.stdout.Bytes()), bytes.Clone(h.stderr.Bytes())
}

func (h *handle) setPID(pid int) {
	h.mu.Lock()
	h.pid = pid
	h.mu.Unlock()
}

func (h *handle) addChild(id string) {
	h.mu.Lock()
	h.children = append(h.children, id)
	h.mu.Unlock()
}

func (h *handle) childIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.children)
}

func (h *handle) requestStop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopping = true
		h.mu.Unlock()
		close(h.stopCh)
	})
}

func (h *handle) stopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

func (h *handle) terminal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.IsTerminal()
}

// finish moves the handle to a terminal status. It reports false when the
// handle already was terminal; statuses never leave a terminal state.
func (h *handle) finish(status api.RunStatus, results []api.TestOutcome, errMsg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status.IsTerminal() {
		return false
	}
	h.status = status
	h.results = results
	h.errMsg = errMsg
	h.endedAt = time.Now()
	close(h.done)
	return true
}

func (h *handle) resultsCopy() []api.TestOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.results)
}

func (h *handle) snapshot() api.RunSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	results := slices.Clone(h.results)
	if results == nil {
		results = []api.TestOutcome{}
	}
	return api.RunSnapshot{
		RunID:     h.id,
		PID:       h.pid,
		Framework: h.framework,
		Request:   h.req.Clone(),
		Status:    h.status,
		StartedAt: h.startedAt,
		EndedAt:   h.endedAt,
		Results:   results,
		Stdout:    h.stdout.String(),
		Stderr:    h.stderr.String(),
		ParentID:  h.parentID,
		Children:  slices.Clone(h.children),
		Error:     h.errMsg,
	}
}
