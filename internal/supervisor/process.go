package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcessConfig is the immutable launch descriptor of one worker.
type ProcessConfig struct {
	ID         int    `json:"id"`
	Executable string `json:"executable"`
	Parameters string `json:"parameters"`
	Results    string `json:"results"`
	Log        string `json:"log"`
	Dir        string `json:"dir,omitempty"`
}

// Validate reports missing launch fields.
func (c ProcessConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Executable) == "" {
		missing = append(missing, "executable")
	}
	if strings.TrimSpace(c.Parameters) == "" {
		missing = append(missing, "parameters")
	}
	if strings.TrimSpace(c.Results) == "" {
		missing = append(missing, "results")
	}
	if len(missing) > 0 {
		return fmt.Errorf("supervisor: worker %d config missing %s", c.ID, strings.Join(missing, ", "))
	}
	return nil
}

// Process is a running child owned by exactly one Supervisor.
type Process interface {
	Pid() int
	Signal(sig syscall.Signal) error
	// Wait blocks until the process exits and reaps it. It is called once.
	Wait() error
}

// Spawner starts processes. output receives every line the child writes to
// stdout or stderr, from a goroutine other than the caller of Spawn.
type Spawner interface {
	Spawn(cfg ProcessConfig, output func(line string)) (Process, error)
}

const maxOutputLine = 1 << 20

// ExecSpawner runs `Executable Parameters` in its own process group with
// stdout and stderr merged into one pipe that is drained continuously.
type ExecSpawner struct{}

// Spawn implements Spawner.
func (ExecSpawner) Spawn(cfg ProcessConfig, output func(line string)) (Process, error) {
	cmd := exec.Command(cfg.Executable, cfg.Parameters)
	cmd.Dir = cfg.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: output pipe: %w", err)
	}
	cmd.Stdout = writer
	cmd.Stderr = writer
	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("supervisor: start %s: %w", cfg.Executable, err)
	}
	// the child holds its own copy of the write end
	writer.Close()

	go drain(reader, output)
	return &execProcess{cmd: cmd}, nil
}

func drain(r io.ReadCloser, output func(string)) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for scanner.Scan() {
		if output != nil {
			output(scanner.Text())
		}
	}
	// an over-long line stops the scanner; keep the pipe empty regardless
	_, _ = io.Copy(io.Discard, r)
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Signal delivers sig to the whole process group so helpers the executable
// forks are suspended and terminated with it.
func (p *execProcess) Signal(sig syscall.Signal) error {
	pid := p.cmd.Process.Pid
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}
