package mcp

import (
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// process abstracts a spawned child so tests can substitute an in-memory
// tool server speaking the real line protocol.
type process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
}

// startProc is the spawn seam. Production uses os/exec; tests swap it.
var startProc = startOSProcess

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func startOSProcess(cfg core.ServerConfig) (process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }
func (p *osProcess) Stderr() io.Reader     { return p.stderr }
func (p *osProcess) Wait() error           { return p.cmd.Wait() }

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// stderrBuffer keeps the tail of a child's stderr so ServerView can expose
// the last few kilobytes after a crash. Draining stderr also prevents the
// child from blocking on a full pipe.
type stderrBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newStderrBuffer(max int) *stderrBuffer {
	if max <= 0 {
		max = 4 * 1024
	}
	return &stderrBuffer{max: max}
}

// drain copies r into the ring until EOF. Run on its own goroutine.
func (b *stderrBuffer) drain(r io.Reader, logger core.Logger, serverID string) {
	chunk := make([]byte, 1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b.append(chunk[:n])
			logger.Debug("tool server stderr", map[string]interface{}{
				"server_id": serverID,
				"output":    string(chunk[:n]),
			})
		}
		if err != nil {
			return
		}
	}
}

func (b *stderrBuffer) append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
}

// Tail returns the buffered stderr tail.
func (b *stderrBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
