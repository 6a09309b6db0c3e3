package job

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Process is the monitor's handle on a running script.
type Process interface {
	// Poll returns the exit code and true once the process has exited.
	Poll() (int, bool)
	// Terminate asks the process to stop. It is a no-op after exit.
	Terminate() error
	// Kill stops the process unconditionally. It is a no-op after exit.
	Kill() error
	Stdout() io.Reader
	Stderr() io.Reader
	// CloseOutput releases both output streams, unblocking pending reads.
	CloseOutput() error
}

// Command describes how to start the script.
type Command struct {
	Args []string
	Dir  string
	Env  []string // appended to the service environment
}

// execProcess runs a Command as a child process. Output goes through
// pipes owned here rather than exec.Cmd so that reaping the child never
// races the drains reading its output.
type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	mu     sync.Mutex
	exited bool
	code   int

	closeOnce sync.Once
}

// Start spawns c and begins reaping it in the background.
func Start(c Command) (Process, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("empty command")
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, err
	}

	p := &execProcess{cmd: cmd, stdout: stdoutR, stderr: stderrR}
	go p.reap()
	return p, nil
}

func (p *execProcess) reap() {
	_ = p.cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
	// -1 when the process was terminated by a signal
	p.code = p.cmd.ProcessState.ExitCode()
}

func (p *execProcess) Poll() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.exited
}

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *execProcess) signal(sig os.Signal) error {
	if _, exited := p.Poll(); exited {
		return nil
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) CloseOutput() error {
	var err error
	p.closeOnce.Do(func() {
		err = errors.Join(p.stdout.Close(), p.stderr.Close())
	})
	return err
}
