package execution

import (
	"bufio"
	"io"
	"sync"

	"testrig/internal/framework"
)

// outputCapture streams stdout and stderr of a process line by line into
// callbacks, in arrival order per stream.
type outputCapture struct {
	stdoutReader *io.PipeReader
	stderrReader *io.PipeReader
	stdoutWriter *io.PipeWriter
	stderrWriter *io.PipeWriter
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

// newOutputCapture starts the capture goroutines.
func newOutputCapture(onStdout, onStderr func(line string)) *outputCapture {
	c := &outputCapture{}

	c.stdoutReader, c.stdoutWriter = io.Pipe()
	c.stderrReader, c.stderrWriter = io.Pipe()

	c.wg.Add(2)
	go c.captureOutput(c.stdoutReader, onStdout)
	go c.captureOutput(c.stderrReader, onStderr)

	return c
}

func (c *outputCapture) captureOutput(reader io.Reader, onLine func(string)) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), framework.MaxLineSize)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	// Keep draining so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, reader)
}

// close closes the write ends and waits until every line was delivered.
func (c *outputCapture) close() {
	c.closeOnce.Do(func() {
		c.stdoutWriter.Close()
		c.stderrWriter.Close()
		c.wg.Wait()
	})
}
