package scan

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"scanbridge/backend"
)

// maxLineLength caps how much of an unterminated line is kept for mining.
const maxLineLength = 4096

// Output is the captured result of one scan process.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	Combined []byte
	ExitCode int
}

// ErrorText is the combined output without blank lines or lines that start
// with one of the diagnostic prefixes.
func (o *Output) ErrorText(prefixes []string) string {
	if o == nil {
		return ""
	}
	lines := strings.FieldsFunc(string(o.Combined), func(r rune) bool { return r == '\n' || r == '\r' })
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || isDiagnostic(line, prefixes) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

type outcome struct {
	out *Output
	err error
}

// runner runs one invocation under a wall-clock limit. The timer and the wait
// path share a cancel func and a once-only completion guard: whichever
// finishes first delivers the outcome, the other is logged and dropped.
type runner struct {
	timeout   time.Duration
	maxOutput int64
	logger    Logger
}

func (r *runner) run(ctx context.Context, inv backend.Invocation) (*Output, error) {
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	capture := newCapture(r.maxOutput, cancel)
	stdoutMiner := newLineMiner("stdout", inv.DiagnosticPrefixes, r.logger)
	stderrMiner := newLineMiner("stderr", inv.DiagnosticPrefixes, r.logger)

	cmd := exec.CommandContext(procCtx, inv.Path, inv.Args...)
	cmd.Stdout = capture.stream(false, stdoutMiner, inv.Payload != backend.PayloadStdout)
	cmd.Stderr = capture.stream(true, stderrMiner, true)
	cmd.WaitDelay = 2 * time.Second

	var once sync.Once
	done := make(chan outcome, 1)
	finish := func(o outcome) bool {
		won := false
		once.Do(func() {
			done <- o
			won = true
		})
		return won
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inv.Path, err)
	}
	pid := cmd.Process.Pid
	r.logger.Debug("Scan process started", "path", inv.Path, "pid", pid, "payload", inv.Payload.String())

	timer := time.AfterFunc(r.timeout, func() {
		if finish(outcome{err: ErrTimeout}) {
			r.logger.Warn("Scan process timed out, killing", "pid", pid, "timeout", r.timeout.String())
			cancel()
		}
	})
	defer timer.Stop()

	go func() {
		waitErr := cmd.Wait()
		stdoutMiner.flush()
		stderrMiner.flush()

		out := capture.output()
		if cmd.ProcessState != nil {
			out.ExitCode = cmd.ProcessState.ExitCode()
		}
		o := outcome{out: out, err: waitErr}
		if capture.overflowed() {
			o.err = ErrOutputTooLarge
		}
		if !finish(o) {
			r.logger.Info("Discarding late scan process exit", "pid", pid, "exit_code", out.ExitCode)
		}
	}()

	o := <-done
	return o.out, o.err
}

// capture buffers stdout, stderr and their interleaving under a shared limit.
// Crossing the limit cancels the process; later writes are swallowed so the
// copy goroutines never stall.
type capture struct {
	mu       sync.Mutex
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	combined bytes.Buffer
	total    int64
	max      int64
	over     bool
	onLimit  func()
}

func newCapture(limit int64, onLimit func()) *capture {
	return &capture{max: limit, onLimit: onLimit}
}

func (c *capture) write(stderr bool, p []byte) {
	c.mu.Lock()
	if c.over {
		c.mu.Unlock()
		return
	}
	if c.max > 0 && c.total+int64(len(p)) > c.max {
		c.over = true
		c.mu.Unlock()
		c.onLimit()
		return
	}
	c.total += int64(len(p))
	if stderr {
		c.stderr.Write(p)
	} else {
		c.stdout.Write(p)
	}
	c.combined.Write(p)
	c.mu.Unlock()
}

func (c *capture) overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.over
}

func (c *capture) output() *Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Output{
		Stdout:   append([]byte(nil), c.stdout.Bytes()...),
		Stderr:   append([]byte(nil), c.stderr.Bytes()...),
		Combined: append([]byte(nil), c.combined.Bytes()...),
	}
}

type captureStream struct {
	c      *capture
	stderr bool
	miner  *lineMiner
	mine   bool
}

func (c *capture) stream(stderr bool, miner *lineMiner, mine bool) *captureStream {
	return &captureStream{c: c, stderr: stderr, miner: miner, mine: mine}
}

func (s *captureStream) Write(p []byte) (int, error) {
	s.c.write(s.stderr, p)
	if s.mine {
		s.miner.Write(p)
	}
	return len(p), nil
}

// lineMiner splits a stream on \n and \r as bytes arrive and logs lines that
// carry a diagnostic prefix. Partial lines are held until terminated.
type lineMiner struct {
	stream   string
	prefixes []string
	logger   Logger
	partial  []byte
}

func newLineMiner(stream string, prefixes []string, logger Logger) *lineMiner {
	return &lineMiner{stream: stream, prefixes: prefixes, logger: logger}
}

func (m *lineMiner) Write(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexAny(p, "\r\n")
		if i < 0 {
			m.partial = append(m.partial, p...)
			if len(m.partial) > maxLineLength {
				m.partial = m.partial[:0]
			}
			return
		}
		m.partial = append(m.partial, p[:i]...)
		m.emit()
		p = p[i+1:]
	}
}

func (m *lineMiner) flush() {
	if len(m.partial) > 0 {
		m.emit()
	}
}

func (m *lineMiner) emit() {
	line := strings.TrimSpace(string(m.partial))
	m.partial = m.partial[:0]
	if line == "" {
		return
	}
	if isDiagnostic(line, m.prefixes) {
		m.logger.Debug("Scanner progress", "stream", m.stream, "line", line)
		return
	}
	if t, ok := m.logger.(tagLogger); ok && len(line) < 512 {
		t.TraceTag("process_output", "Scanner output", "stream", m.stream, "line", line)
	}
}

func isDiagnostic(line string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}
