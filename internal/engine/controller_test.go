package engine

import (
	"sync"
	"testing"
	"time"

	"ddtui/internal/logring"
)

func testController() *Controller {
	return NewController(logring.New(0))
}

// drainRun consumes events until the channel closes, failing the test if the
// run never reaches a terminal state.
func drainRun(t *testing.T, run *Run, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case _, ok := <-run.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("run did not reach a terminal state within %v", within)
		}
	}
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	t.Parallel()

	if _, err := testController().Start(RunSpec{Kind: KindBackup}); err == nil {
		t.Fatalf("expected an error for an empty command")
	}
}

func TestRunCompletesAndAppliesFinalProgress(t *testing.T) {
	t.Parallel()

	run, err := testController().Start(RunSpec{
		Kind:       KindBackup,
		TotalBytes: 1000,
		CellCount:  10,
		Command:    `printf '500 bytes copied\n1000 bytes copied\n' >&2`,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	drainRun(t, run, 10*time.Second)

	snap := run.Snapshot()
	if snap.State != StateCompleted {
		t.Fatalf("state = %v, want completed", snap.State)
	}
	if snap.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", snap.ExitCode)
	}
	if snap.Bytes != 1000 {
		t.Fatalf("bytes = %d, the final sample must be applied before close", snap.Bytes)
	}
	if snap.Percent != 100 {
		t.Fatalf("percent = %v, want 100", snap.Percent)
	}
	for i, cell := range snap.Cells {
		if cell != CellComplete {
			t.Fatalf("cell %d = %v, want Complete", i, cell)
		}
	}
}

func TestRunFailureRetainsPartialProgress(t *testing.T) {
	t.Parallel()

	run, err := testController().Start(RunSpec{
		Kind:       KindClone,
		TotalBytes: 1000,
		CellCount:  10,
		Command:    `printf '400 bytes copied\n' >&2; printf 'dd: error reading sdb: Input/output error\n' >&2; exit 3`,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	drainRun(t, run, 10*time.Second)

	snap := run.Snapshot()
	if snap.State != StateFailed {
		t.Fatalf("state = %v, want failed", snap.State)
	}
	if snap.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", snap.ExitCode)
	}
	if snap.Bytes != 400 {
		t.Fatalf("bytes = %d, partial progress must survive the failure", snap.Bytes)
	}
	if snap.ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", snap.ErrorCount)
	}
	if snap.LastErrorAt == nil || *snap.LastErrorAt != 400 {
		t.Fatalf("last error offset = %v, want 400", snap.LastErrorAt)
	}
}

func TestAnomalousLineOnlyLogs(t *testing.T) {
	t.Parallel()

	// The second line walks the byte counter backwards. It must be absorbed
	// as a log entry without touching progress, errors, or cells.
	run, err := testController().Start(RunSpec{
		Kind:       KindBackup,
		TotalBytes: 1000,
		CellCount:  10,
		Command:    `printf '600 bytes copied\n100 bytes copied\n' >&2`,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var anomalies int
	deadline := time.After(10 * time.Second)
	for open := true; open; {
		select {
		case event, ok := <-run.Events():
			if !ok {
				open = false
				break
			}
			if event.Anomaly != nil {
				anomalies++
			}
		case <-deadline:
			t.Fatalf("run did not finish")
		}
	}
	if anomalies != 1 {
		t.Fatalf("anomaly events = %d, want 1", anomalies)
	}

	snap := run.Snapshot()
	if snap.Bytes != 600 {
		t.Fatalf("bytes = %d, anomaly must not move the counter", snap.Bytes)
	}
	if snap.ErrorCount != 0 {
		t.Fatalf("error count = %d, want 0", snap.ErrorCount)
	}
	for i, cell := range snap.Cells {
		if cell == CellError {
			t.Fatalf("cell %d marked Error by an anomaly", i)
		}
	}
}

func TestRunExitOneTargetFilledIsSuccess(t *testing.T) {
	t.Parallel()

	run, err := testController().Start(RunSpec{
		Kind:       KindWipe,
		TotalBytes: 1000,
		CellCount:  10,
		Command:    `printf "dd: error writing '/dev/sdc': No space left on device\n" >&2; exit 1`,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	drainRun(t, run, 10*time.Second)

	if state := run.State(); state != StateCompleted {
		t.Fatalf("state = %v, a filled target is a completed run", state)
	}
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	c := testController()
	run, err := c.Start(RunSpec{Kind: KindBackup, TotalBytes: 1000, Command: `sleep 30`})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer drainRun(t, run, 10*time.Second)
	defer run.Cancel()

	if _, err := c.Start(RunSpec{Kind: KindBackup, TotalBytes: 1000, Command: `sleep 30`}); err != ErrRunActive {
		t.Fatalf("second start returned %v, want ErrRunActive", err)
	}
}

func TestStartIsAtomicUnderConcurrentCalls(t *testing.T) {
	t.Parallel()

	c := testController()
	const attempts = 8

	var wg sync.WaitGroup
	gate := make(chan struct{})
	runs := make(chan *Run, attempts)
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			run, err := c.Start(RunSpec{Kind: KindBackup, TotalBytes: 1000, Command: `sleep 30`})
			if err != nil {
				errs <- err
				return
			}
			runs <- run
		}()
	}
	close(gate)
	wg.Wait()
	close(runs)
	close(errs)

	if len(runs) != 1 {
		t.Fatalf("%d concurrent starts spawned a pipeline, want exactly 1", len(runs))
	}
	for err := range errs {
		if err != ErrRunActive {
			t.Fatalf("rejected start returned %v, want ErrRunActive", err)
		}
	}

	run := <-runs
	run.Cancel()
	drainRun(t, run, GracePeriod+KillWait+2*time.Second)
}

func TestCancelStopsCooperativeProcess(t *testing.T) {
	t.Parallel()

	run, err := testController().Start(RunSpec{
		Kind:       KindBackup,
		TotalBytes: 1000,
		Command:    `printf '200 bytes copied\n' >&2; sleep 30`,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	started := time.Now()
	run.Cancel()
	drainRun(t, run, GracePeriod+KillWait+2*time.Second)

	if elapsed := time.Since(started); elapsed >= GracePeriod {
		t.Fatalf("cooperative cancel took %v, should finish well within the grace period", elapsed)
	}
	snap := run.Snapshot()
	if !snap.Cancelled {
		t.Fatalf("run not marked cancelled")
	}
	if snap.State != StateCompleted {
		t.Fatalf("state = %v, a cancelled run ends completed", snap.State)
	}
	if snap.Bytes != 200 {
		t.Fatalf("bytes = %d, progress before cancel must survive", snap.Bytes)
	}
}

func TestCancelEscalatesToSigkill(t *testing.T) {
	if testing.Short() {
		t.Skip("escalation waits out the full grace period")
	}
	t.Parallel()

	run, err := testController().Start(RunSpec{
		Kind:       KindWipe,
		TotalBytes: 1000,
		Command:    `trap '' TERM; sleep 60`,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	started := time.Now()
	run.Cancel()
	drainRun(t, run, GracePeriod+KillWait+3*time.Second)

	elapsed := time.Since(started)
	if elapsed < GracePeriod {
		t.Fatalf("run ended after %v despite ignoring SIGTERM", elapsed)
	}
	if elapsed > GracePeriod+KillWait+2*time.Second {
		t.Fatalf("escalation took %v, beyond the documented bound", elapsed)
	}
	if state := run.State(); state != StateCompleted {
		t.Fatalf("state = %v, cancellation is an intentional stop", state)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	run, err := testController().Start(RunSpec{Kind: KindBackup, TotalBytes: 1000, Command: `sleep 30`})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	run.Cancel()
	run.Cancel()
	drainRun(t, run, GracePeriod+KillWait+2*time.Second)
	run.Cancel()

	if state := run.State(); state != StateCompleted {
		t.Fatalf("state = %v, want completed", state)
	}
}
