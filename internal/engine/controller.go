// Package engine runs a single disk-imaging operation at a time: it spawns
// the external copy pipeline, parses its status stream into samples, and
// keeps the block map and run statistics current until the process is reaped.
package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"ddtui/internal/logring"
)

// Kind identifies the operation being supervised. The engine is agnostic to
// it beyond display labeling; command construction happens in the resolver.
type Kind int

const (
	KindBackup Kind = iota
	KindRestore
	KindClone
	KindWipe
)

func (k Kind) String() string {
	switch k {
	case KindBackup:
		return "Backup"
	case KindRestore:
		return "Restore"
	case KindClone:
		return "Clone"
	case KindWipe:
		return "Wipe"
	default:
		return "Operation"
	}
}

// State is the run lifecycle state.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateCancelling
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Cancellation escalation bounds. A cancelled run reaches a terminal state
// within GracePeriod+KillWait: SIGTERM to the process group, then SIGKILL
// once the grace period elapses, then a bounded reap.
const (
	GracePeriod = 5 * time.Second
	KillWait    = 2 * time.Second
)

// ErrRunActive is returned by Start while another run is in flight. Direct
// disk I/O is single-process by nature; the engine enforces it.
var ErrRunActive = errors.New("an operation is already running")

// RunSpec is everything the engine needs to supervise one operation. Command
// is the fully-resolved shell pipeline built by the device resolver; the
// engine treats it as opaque.
type RunSpec struct {
	Kind       Kind
	Source     string
	Dest       string
	TotalBytes uint64
	BlockSize  uint64
	Command    string
	CellCount  int
}

// Event notifies the UI that run state advanced. The channel is closed after
// the terminal state is recorded, so a closed channel means the final
// snapshot is ready to render.
type Event struct {
	Sample  *Sample
	Anomaly *Anomaly
}

// Snapshot is an immutable view of a run for rendering. Only this surface
// (plus Cancel) is exposed to the UI shell.
type Snapshot struct {
	ID          string
	Kind        Kind
	Source      string
	Dest        string
	State       State
	Cancelled   bool
	ExitCode    int
	TotalBytes  uint64
	Bytes       uint64
	Percent     float64
	Rate        float64
	ETA         time.Duration
	ETAKnown    bool
	Elapsed     float64
	ErrorCount  int
	LastErrorAt *uint64
	Cells       []CellState
	StartedAt   time.Time
	FinishedAt  time.Time
	Diagnostic  string
}

// Controller owns the single in-flight run.
type Controller struct {
	ring *logring.Ring

	mu      sync.Mutex
	current *Run
}

func NewController(ring *logring.Ring) *Controller {
	return &Controller{ring: ring}
}

// Current returns the in-flight run, or nil.
func (c *Controller) Current() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start spawns the operation's pipeline and begins draining its status
// stream. It fails with ErrRunActive while a run is in flight, and with a
// spawn error (no models initialized, nothing to render) if the process
// cannot be started.
func (c *Controller) Start(spec RunSpec) (*Run, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("run command is empty")
	}
	if spec.CellCount < 1 {
		spec.CellCount = 40
	}

	cmd := exec.Command("sh", "-c", spec.Command)
	// The pipeline (dd plus any compressor stage) runs in its own process
	// group so cancellation can reap every stage, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create status pipe: %w", err)
	}

	run := &Run{
		id:       uuid.NewString(),
		spec:     spec,
		ring:     c.ring,
		state:    StateStarting,
		events:   make(chan Event, 128),
		procDone: make(chan struct{}),
		blockMap: NewBlockMap(spec.TotalBytes, spec.CellCount),
	}

	// Check and reserve in one critical section: concurrent Starts must not
	// both observe an idle controller and spawn two pipelines.
	c.mu.Lock()
	if c.current != nil {
		active := c.current.State()
		if active != StateCompleted && active != StateFailed {
			c.mu.Unlock()
			return nil, ErrRunActive
		}
	}
	c.current = run
	c.mu.Unlock()

	c.ring.Infof("Executing: %s", spec.Command)
	if err := cmd.Start(); err != nil {
		c.mu.Lock()
		if c.current == run {
			c.current = nil
		}
		c.mu.Unlock()
		c.ring.Errorf("Failed to start %s: %v", strings.ToLower(spec.Kind.String()), err)
		return nil, fmt.Errorf("spawn copy process: %w", err)
	}

	started := time.Now()
	run.mu.Lock()
	run.cmd = cmd
	run.pgid = cmd.Process.Pid
	run.startedAt = started
	run.stats = NewStats(spec.TotalBytes, started)
	run.state = StateRunning
	run.mu.Unlock()

	go run.drain(stderr, func() {
		c.mu.Lock()
		if c.current == run {
			c.current = nil
		}
		c.mu.Unlock()
	})
	return run, nil
}

// Run is one execution of a disk-imaging operation from spawn to terminal
// state. It owns its child process exclusively and reaps it exactly once.
type Run struct {
	id   string
	spec RunSpec
	ring *logring.Ring

	events   chan Event
	procDone chan struct{}

	cancelOnce sync.Once

	mu          sync.Mutex
	cmd         *exec.Cmd
	pgid        int
	state       State
	cancelled   bool
	exitCode    int
	diagnostic  string
	lastErrorAt *uint64
	startedAt   time.Time
	finishedAt  time.Time
	blockMap    *BlockMap
	stats       *Stats
}

func (r *Run) ID() string    { return r.id }
func (r *Run) Kind() Kind    { return r.spec.Kind }
func (r *Run) Spec() RunSpec { return r.spec }

// Events delivers change notifications. Progress notifications may be
// dropped under backpressure (the UI re-renders on a heartbeat anyway); the
// channel close is the reliable terminal-state signal and always happens
// after the final sample has been applied to the models.
func (r *Run) Events() <-chan Event { return r.events }

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) Percent() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats == nil {
		return 0
	}
	return r.stats.Percent()
}

func (r *Run) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats == nil {
		return 0
	}
	return r.stats.Rate()
}

func (r *Run) ETA() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats == nil {
		return 0, false
	}
	return r.stats.ETA()
}

func (r *Run) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats == nil {
		return 0
	}
	return r.stats.ErrorCount()
}

// Snapshot copies the run's current state for rendering.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		ID:          r.id,
		Kind:        r.spec.Kind,
		Source:      r.spec.Source,
		Dest:        r.spec.Dest,
		State:       r.state,
		Cancelled:   r.cancelled,
		ExitCode:    r.exitCode,
		TotalBytes:  r.spec.TotalBytes,
		LastErrorAt: r.lastErrorAt,
		Cells:       r.blockMap.Cells(),
		StartedAt:   r.startedAt,
		FinishedAt:  r.finishedAt,
		Diagnostic:  r.diagnostic,
	}
	if r.stats != nil {
		snap.Bytes = r.stats.Bytes()
		snap.Percent = r.stats.Percent()
		snap.Rate = r.stats.Rate()
		snap.ETA, snap.ETAKnown = r.stats.ETA()
		snap.Elapsed = r.stats.Elapsed()
		snap.ErrorCount = r.stats.ErrorCount()
	}
	return snap
}

// Cancel requests cooperative termination: SIGTERM to the process group now,
// SIGKILL after GracePeriod if the pipeline has not exited. Safe to call
// more than once and from any goroutine.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.state != StateRunning && r.state != StateStarting {
		r.mu.Unlock()
		return
	}
	r.state = StateCancelling
	r.cancelled = true
	pgid := r.pgid
	r.mu.Unlock()

	r.cancelOnce.Do(func() {
		r.ring.Infof("Cancel requested; sending SIGTERM to operation")
		_ = unix.Kill(-pgid, unix.SIGTERM)
		go func() {
			select {
			case <-r.procDone:
				return
			case <-time.After(GracePeriod):
				r.ring.Warnf("Operation ignored SIGTERM for %s; escalating to SIGKILL", GracePeriod)
				_ = unix.Kill(-pgid, unix.SIGKILL)
			}
			select {
			case <-r.procDone:
			case <-time.After(KillWait):
				r.ring.Errorf("Operation still not reaped %s after SIGKILL", KillWait)
			}
		}()
	})
}

// drain reads the status stream to EOF, reaps the process exactly once, and
// records the terminal state. Partial output already read is flushed into
// the models before the events channel closes, so the final frame reflects
// true last-known progress.
func (r *Run) drain(stderr io.Reader, onTerminal func()) {
	parser := NewParser(r.spec.BlockSize)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(ScanStatusLines)

	var tail []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > 40 {
			tail = tail[len(tail)-40:]
		}
		elapsed := time.Since(r.startedAt).Seconds()
		sample, anomaly := parser.ParseLine(line, elapsed)
		if anomaly != nil {
			r.ring.Warnf("Unparsable status line (%s): %s", anomaly.Reason, anomaly.Line)
			r.notify(Event{Anomaly: anomaly})
			continue
		}
		if sample == nil {
			continue
		}
		r.applySample(*sample)
		r.notify(Event{Sample: sample})
	}
	if err := scanner.Err(); err != nil {
		r.ring.Warnf("Status stream read error: %v", err)
	}

	waitErr := r.cmd.Wait()
	close(r.procDone)

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	r.finish(exitCode, strings.Join(tail, "\n"))
	onTerminal()
	close(r.events)
}

func (r *Run) applySample(sample Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sample.ErrorAtOffset != nil {
		at := *sample.ErrorAtOffset
		r.lastErrorAt = &at
		r.blockMap.ApplyError(at)
		r.ring.Errorf("Transfer error near offset %d", at)
	}
	r.stats.Record(sample)
	r.blockMap.ApplyProgress(sample.BytesTransferred)
}

func (r *Run) notify(event Event) {
	select {
	case r.events <- event:
	default:
	}
}

func (r *Run) finish(exitCode int, diagnostic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitCode = exitCode
	r.finishedAt = time.Now()
	r.diagnostic = diagnostic

	switch {
	case r.cancelled:
		// Exit after a cancel request is an intentional stop regardless of
		// the code the signal produced.
		r.state = StateCompleted
		r.ring.Infof("%s cancelled after %s transferred", r.spec.Kind, humanize.IBytes(r.stats.Bytes()))
	case exitCode == 0:
		r.state = StateCompleted
		r.ring.Infof("%s completed successfully", r.spec.Kind)
	case exitCode == 1 && strings.Contains(r.diagnostic, "No space left on device"):
		// dd exits 1 when the target fills; for wipes and clones onto a
		// smaller target that is the expected end of the operation.
		r.state = StateCompleted
		r.ring.Infof("%s completed: target device filled", r.spec.Kind)
	default:
		r.state = StateFailed
		if r.lastErrorAt != nil {
			r.ring.Errorf("%s failed with exit code %d (last error near offset %d)", r.spec.Kind, exitCode, *r.lastErrorAt)
		} else {
			r.ring.Errorf("%s failed with exit code %d", r.spec.Kind, exitCode)
		}
	}
}
