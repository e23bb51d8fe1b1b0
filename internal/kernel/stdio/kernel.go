package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kernelhost/khost/internal/logging"
	"github.com/kernelhost/khost/internal/runtime"
	"github.com/kernelhost/khost/internal/tracing"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultHandshakeTimeout bounds how long Connect waits for the info frame.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultTerminationGracePeriod is the wait after a shutdown command and
	// again after SIGTERM before escalating.
	DefaultTerminationGracePeriod = 5 * time.Second

	defaultForcedExitWait = 2 * time.Second
	messageBufferSize     = 256
	maxFrameBytes         = 16 << 20
	maxStderrBytes        = 64 << 10
)

var (
	// ErrNotRunning is returned by commands sent before Connect or after the
	// process exited.
	ErrNotRunning = errors.New("kernel process is not running")
	// ErrHandshake is returned when the process exits or stalls before its
	// info frame.
	ErrHandshake = errors.New("kernel handshake failed")
)

// ProcessSignaler sends unix signals to a process ID.
type ProcessSignaler interface {
	Signal(pid int, signal syscall.Signal) error
}

type defaultProcessSignaler struct{}

func (defaultProcessSignaler) Signal(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

// Spec describes the process to launch.
type Spec struct {
	RuntimeID string
	Command   string
	Args      []string
	Dir       string
	Env       []string
}

// Options configures a Kernel.
type Options struct {
	Logger           *log.Logger
	Tracer           trace.Tracer
	Signaler         ProcessSignaler
	HandshakeTimeout time.Duration
	GracePeriod      time.Duration
	ForcedExitWait   time.Duration
}

// Kernel is a session.Kernel backed by a child process.
type Kernel struct {
	spec      Spec
	logger    *log.Logger
	tracer    trace.Tracer
	signaler  ProcessSignaler
	handshake time.Duration
	grace     time.Duration
	forced    time.Duration

	writeMu  sync.Mutex
	mu       sync.Mutex
	cmd      *exec.Cmd
	encoder  *json.Encoder
	started  bool
	exitCode int

	messages   chan runtime.Message
	info       chan runtime.KernelInfo
	exited     chan struct{}
	closeOnce  sync.Once
	stderr     boundedBuffer
	infoIssued bool
}

// New returns a kernel that launches spec on Connect.
func New(spec Spec, opts Options) *Kernel {
	if opts.Signaler == nil {
		opts.Signaler = defaultProcessSignaler{}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultTerminationGracePeriod
	}
	if opts.ForcedExitWait <= 0 {
		opts.ForcedExitWait = defaultForcedExitWait
	}
	return &Kernel{
		spec:      spec,
		logger:    logging.OrDiscard(opts.Logger).With("runtime_id", spec.RuntimeID),
		tracer:    opts.Tracer,
		signaler:  opts.Signaler,
		handshake: opts.HandshakeTimeout,
		grace:     opts.GracePeriod,
		forced:    opts.ForcedExitWait,
		exitCode:  -1,
		messages:  make(chan runtime.Message, messageBufferSize),
		info:      make(chan runtime.KernelInfo, 1),
		exited:    make(chan struct{}),
		stderr:    boundedBuffer{limit: maxStderrBytes},
	}
}

// Connect starts the process and waits for its info frame.
func (k *Kernel) Connect(ctx context.Context) (runtime.KernelInfo, error) {
	ctx, launch := tracing.StartLaunch(ctx, k.tracer, k.spec.RuntimeID, k.spec.Command, k.spec.Args, k.spec.Dir)

	info, err := k.connect(ctx, launch)
	launch.End(k.stderr.String(), err)
	if err != nil {
		return runtime.KernelInfo{}, tracing.WrapExecutionError(k.spec.Command, k.spec.Args, err)
	}
	return info, nil
}

func (k *Kernel) connect(ctx context.Context, launch *tracing.Launch) (runtime.KernelInfo, error) {
	command := strings.TrimSpace(k.spec.Command)
	if command == "" {
		return runtime.KernelInfo{}, errors.New("kernel command is required")
	}

	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return runtime.KernelInfo{}, errors.New("kernel already connected")
	}
	k.started = true

	cmd := exec.Command(command, k.spec.Args...)
	cmd.Dir = k.spec.Dir
	cmd.Env = append(os.Environ(), k.spec.Env...)
	cmd.Stderr = &k.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		k.mu.Unlock()
		k.closeMessages()
		return runtime.KernelInfo{}, fmt.Errorf("open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		k.mu.Unlock()
		k.closeMessages()
		return runtime.KernelInfo{}, fmt.Errorf("open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		k.mu.Unlock()
		k.closeMessages()
		return runtime.KernelInfo{}, err
	}
	k.cmd = cmd
	k.encoder = json.NewEncoder(stdin)
	k.mu.Unlock()

	launch.Spawned(cmd.Process.Pid)
	k.logger.Debug("kernel process spawned", "pid", cmd.Process.Pid, "command", tracing.FormatCommand(command, k.spec.Args))
	go k.read(stdout)

	timer := time.NewTimer(k.handshake)
	defer timer.Stop()
	select {
	case info := <-k.info:
		return info, nil
	case <-k.exited:
		return runtime.KernelInfo{}, fmt.Errorf("%w: process exited with code %d", ErrHandshake, k.ExitCode())
	case <-timer.C:
		_ = k.Kill()
		return runtime.KernelInfo{}, fmt.Errorf("%w: no info frame within %s", ErrHandshake, k.handshake)
	case <-ctx.Done():
		_ = k.Kill()
		return runtime.KernelInfo{}, ctx.Err()
	}
}

// read decodes frames until stdout closes, then reaps the process.
func (k *Kernel) read(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			k.logger.Warn("dropped undecodable kernel frame", "bytes", len(line), "error", err)
			continue
		}
		switch {
		case frame.Type == FrameInfo && frame.Info != nil:
			if k.infoIssued {
				k.logger.Debug("ignored repeated info frame")
				continue
			}
			k.infoIssued = true
			k.info <- *frame.Info
		case frame.Type == FrameMessage && frame.Message != nil:
			k.messages <- *frame.Message
		default:
			k.logger.Warn("dropped kernel frame", "type", frame.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		k.logger.Warn("kernel stdout read failed", "error", err)
	}

	k.mu.Lock()
	cmd := k.cmd
	k.mu.Unlock()
	code := exitCode(cmd, cmd.Wait())

	k.mu.Lock()
	k.exitCode = code
	k.mu.Unlock()
	k.logger.Info("kernel process exited", "exit_code", code)

	close(k.exited)
	k.closeMessages()
}

func (k *Kernel) Execute(_ context.Context, req runtime.ExecuteRequest) error {
	return k.send(Command{Type: CommandExecute, Request: &req})
}

// Interrupt asks the kernel to stop the current execution. It does not
// signal the process.
func (k *Kernel) Interrupt(context.Context) error {
	return k.send(Command{Type: CommandInterrupt})
}

func (k *Kernel) ReplyToInput(_ context.Context, parentID, value string) error {
	return k.send(Command{Type: CommandInputReply, ParentID: parentID, Value: value})
}

func (k *Kernel) SetWorkingDirectory(_ context.Context, path string) error {
	return k.send(Command{Type: CommandSetCwd, Path: path})
}

func (k *Kernel) OpenComm(_ context.Context, commID, target string, data json.RawMessage) error {
	return k.send(Command{Type: CommandCommOpen, CommID: commID, Target: target, Data: data})
}

func (k *Kernel) SendComm(_ context.Context, commID, messageID string, data json.RawMessage) error {
	return k.send(Command{Type: CommandCommMessage, CommID: commID, MessageID: messageID, Data: data})
}

func (k *Kernel) CloseComm(_ context.Context, commID string) error {
	return k.send(Command{Type: CommandCommClose, CommID: commID})
}

// Shutdown sends the shutdown command and waits the grace period, then
// escalates SIGTERM -> grace -> SIGKILL.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if err := k.send(Command{Type: CommandShutdown}); err != nil {
		if errors.Is(err, ErrNotRunning) && k.hasExited() {
			return nil
		}
		return err
	}
	if k.waitForExit(ctx, k.grace) {
		return nil
	}
	k.logger.Warn("kernel ignored shutdown; sending SIGTERM", "grace", k.grace)
	return k.terminate(ctx)
}

// Kill sends SIGKILL. It is a no-op once the process has exited.
func (k *Kernel) Kill() error {
	k.mu.Lock()
	cmd := k.cmd
	started := k.started
	k.mu.Unlock()
	if !started {
		k.closeMessages()
		return nil
	}
	if cmd == nil || cmd.Process == nil || k.hasExited() {
		return nil
	}
	if err := k.signaler.Signal(cmd.Process.Pid, syscall.SIGKILL); err != nil && !isProcessGoneError(err) {
		return fmt.Errorf("send SIGKILL to pid %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

func (k *Kernel) Messages() <-chan runtime.Message {
	return k.messages
}

// ExitCode is -1 until the process has been reaped.
func (k *Kernel) ExitCode() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.exitCode
}

// Stderr returns the captured tail of the process's stderr.
func (k *Kernel) Stderr() string {
	return k.stderr.String()
}

func (k *Kernel) send(command Command) error {
	k.mu.Lock()
	encoder := k.encoder
	k.mu.Unlock()
	if encoder == nil || k.hasExited() {
		return ErrNotRunning
	}

	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	if err := encoder.Encode(command); err != nil {
		return fmt.Errorf("write %s command: %w", command.Type, err)
	}
	return nil
}

func (k *Kernel) terminate(ctx context.Context) error {
	k.mu.Lock()
	pid := k.cmd.Process.Pid
	k.mu.Unlock()

	if err := k.signaler.Signal(pid, syscall.SIGTERM); err != nil && !isProcessGoneError(err) {
		return fmt.Errorf("send SIGTERM to pid %d: %w", pid, err)
	}
	if k.waitForExit(ctx, k.grace) {
		return nil
	}
	if err := k.signaler.Signal(pid, syscall.SIGKILL); err != nil && !isProcessGoneError(err) {
		return fmt.Errorf("send SIGKILL to pid %d: %w", pid, err)
	}
	if !k.waitForExit(ctx, k.forced) {
		return fmt.Errorf("pid %d still alive after SIGKILL", pid)
	}
	return nil
}

func (k *Kernel) waitForExit(ctx context.Context, window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-k.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (k *Kernel) hasExited() bool {
	select {
	case <-k.exited:
		return true
	default:
		return false
	}
}

func (k *Kernel) closeMessages() {
	k.closeOnce.Do(func() { close(k.messages) })
}

// exitCode reports 128+signal for processes ended by a signal.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
	}
	return tracing.ExitCode(nil, cmd, waitErr)
}

func isProcessGoneError(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone)
}

// boundedBuffer keeps the last limit bytes written to it.
type boundedBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = b.data[over:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
