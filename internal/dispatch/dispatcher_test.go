package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robostudio/rsx/internal/config"
	"github.com/robostudio/rsx/internal/events"
	"github.com/robostudio/rsx/internal/interpreter"
	"github.com/robostudio/rsx/internal/probe"
	"github.com/robostudio/rsx/internal/prompt"
	"github.com/robostudio/rsx/internal/supervisor"
)

var venvPy = interpreter.Command{Path: "/ws/.venv/bin/python3", Version: interpreter.Version{Major: 3, Minor: 12}}

type fakeProber struct {
	mu      sync.Mutex
	report  probe.Report
	failed  bool
	calls   int
	release chan struct{} // when non-nil, Probe blocks until closed
}

func (f *fakeProber) Probe(_ context.Context, _ string) (probe.Report, bool) {
	f.mu.Lock()
	f.calls++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	return f.report, f.failed
}

func (f *fakeProber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEnsurer struct {
	mu    sync.Mutex
	ready bool
	err   error
	calls []time.Time
}

func (f *fakeEnsurer) Ensure(_ context.Context, _ string, _ probe.Report) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	return f.ready, f.err
}

func (f *fakeEnsurer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRunner struct {
	mu          sync.Mutex
	invocations []supervisor.Invocation
	failOn      string
	busyLabel   string
	kills       int
}

func (f *fakeRunner) Run(_ context.Context, inv supervisor.Invocation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invocations = append(f.invocations, inv)
	if f.failOn != "" && strings.Contains(strings.Join(inv.Args, " "), f.failOn) {
		return "", errors.New("exited with code 1")
	}
	return "", nil
}

func (f *fakeRunner) Running() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busyLabel, f.busyLabel != ""
}

func (f *fakeRunner) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	f.busyLabel = ""
	return nil
}

func (f *fakeRunner) argLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, 0, len(f.invocations))
	for _, inv := range f.invocations {
		lines = append(lines, strings.Join(inv.Args, " "))
	}
	return lines
}

type fakeFinder struct{ found bool }

func (f *fakeFinder) Find(_ context.Context, _ string) (interpreter.Command, bool) {
	return venvPy, f.found
}

type scriptedConfirmer struct {
	mu      sync.Mutex
	answers []bool
	asked   []prompt.Request
}

func (c *scriptedConfirmer) Confirm(_ context.Context, req prompt.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asked = append(c.asked, req)
	accept := false
	if len(c.answers) > 0 {
		accept = c.answers[0]
		c.answers = c.answers[1:]
	}
	if accept {
		return req.Options[0], nil
	}
	return req.Options[len(req.Options)-1], nil
}

type failingSaver struct{ calls int }

func (f *failingSaver) SaveActive(context.Context) error {
	f.calls++
	return errors.New("document busy")
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

type fixture struct {
	dispatcher *Dispatcher
	prober     *fakeProber
	ensurer    *fakeEnsurer
	runner     *fakeRunner
	confirmer  *scriptedConfirmer
}

func newFixture(answers []bool) *fixture {
	f := &fixture{
		prober:    &fakeProber{report: probe.Report{HasDescriptor: true, Venv: probe.VenvReady, VenvPython: venvPy, PolicyAdequate: true}},
		ensurer:   &fakeEnsurer{ready: true},
		runner:    &fakeRunner{},
		confirmer: &scriptedConfirmer{answers: answers},
	}
	cfg := &config.Config{
		VenvDirName:    ".venv",
		PackageName:    "mechpy",
		MinPythonMajor: 3,
		MinPythonMinor: 9,
		OfferAutoSync:  true,
	}
	f.dispatcher = New(cfg, f.prober, f.ensurer, f.runner, &fakeFinder{found: true},
		f.confirmer, NopSaver{}, nopPublisher{}, log.New(io.Discard))
	return f
}

func TestSequenceTables(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	cases := []struct {
		name string
		want []string
	}{
		{"init", []string{"init"}},
		{"sim", []string{"sim"}},
		{"deploy", []string{"deploy"}},
		{"deploy-skip-tests", []string{"deploy --skip-tests"}},
	}
	for _, tc := range cases {
		steps, err := f.dispatcher.Sequence(tc.name)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(steps) != 1 || strings.Join(steps[0].ModuleArgs, " ") != tc.want[0] {
			t.Fatalf("%s: steps = %+v", tc.name, steps)
		}
	}

	steps, err := f.dispatcher.Sequence("sync")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(steps) != 2 || !steps[0].PipUpgrade || strings.Join(steps[1].ModuleArgs, " ") != "sync" {
		t.Fatalf("sync steps = %+v", steps)
	}

	if _, err := f.dispatcher.Sequence("launch-missiles"); err == nil {
		t.Fatal("unknown command must error")
	}
}

func TestOpenOnNonProjectStaysSilent(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	f.prober.report = probe.Report{HasDescriptor: false}

	if err := f.dispatcher.Open(context.Background(), "/ws"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if f.ensurer.callCount() != 0 {
		t.Fatal("non-project open must not reconcile")
	}
	if len(f.confirmer.asked) != 0 {
		t.Fatal("non-project open must not prompt")
	}
}

func TestOpenOffersAndRunsDefaultSync(t *testing.T) {
	t.Parallel()

	f := newFixture([]bool{true})
	if err := f.dispatcher.Open(context.Background(), "/ws"); err != nil {
		t.Fatalf("open: %v", err)
	}

	lines := f.runner.argLines()
	if len(lines) != 2 {
		t.Fatalf("invocations = %v, want pip upgrade then sync", lines)
	}
	if !strings.Contains(lines[0], "pip install --upgrade mechpy") {
		t.Fatalf("first step = %q, want pip upgrade", lines[0])
	}
	if !strings.Contains(lines[1], "-m mechpy sync") {
		t.Fatalf("second step = %q, want mechpy sync", lines[1])
	}
}

func TestOpenDeclinedSyncRunsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture([]bool{false})
	if err := f.dispatcher.Open(context.Background(), "/ws"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(f.runner.argLines()) != 0 {
		t.Fatal("declined sync must not run anything")
	}
}

func TestOpenSkipsOfferWhenDisabled(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	f.dispatcher.cfg.OfferAutoSync = false

	if err := f.dispatcher.Open(context.Background(), "/ws"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(f.confirmer.asked) != 0 {
		t.Fatal("disabled offer must not prompt")
	}
}

func TestInvokeWaitsForOpenToResolve(t *testing.T) {
	t.Parallel()

	f := newFixture([]bool{false}) // decline the startup sync offer
	release := make(chan struct{})
	f.prober.release = release

	openStarted := make(chan struct{})
	go func() {
		close(openStarted)
		_ = f.dispatcher.Open(context.Background(), "/ws")
	}()
	<-openStarted

	invokeDone := make(chan error, 1)
	go func() {
		invokeDone <- f.dispatcher.Invoke(context.Background(), "/ws", "deploy")
	}()

	// The invocation must hold at the barrier while open-time probing is
	// still in flight.
	select {
	case err := <-invokeDone:
		t.Fatalf("invoke finished before startup resolved: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if f.ensurer.callCount() != 0 {
		t.Fatal("reconciliation began before startup resolved")
	}

	f.prober.mu.Lock()
	f.prober.release = nil
	f.prober.mu.Unlock()
	close(release)

	select {
	case err := <-invokeDone:
		if err != nil {
			t.Fatalf("invoke: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invoke never resumed after startup resolved")
	}
	if f.ensurer.callCount() != 2 {
		t.Fatalf("ensure calls = %d, want open + invoke", f.ensurer.callCount())
	}
}

func TestInvokeBarrierRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.dispatcher.Invoke(ctx, "/ws", "deploy")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestInvokeRunsStepsInOrderAndAbortsOnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	f.dispatcher.MarkStartupComplete()
	f.runner.failOn = "pip install"

	err := f.dispatcher.Invoke(context.Background(), "/ws", "sync")
	if err == nil {
		t.Fatal("failed step must abort the sequence")
	}
	lines := f.runner.argLines()
	if len(lines) != 1 || !strings.Contains(lines[0], "pip install") {
		t.Fatalf("invocations = %v, want the failing first step only", lines)
	}
}

func TestInvokeBusyDeclinedLeavesProcessRunning(t *testing.T) {
	t.Parallel()

	f := newFixture([]bool{false})
	f.dispatcher.MarkStartupComplete()
	f.runner.busyLabel = "run simulator"

	err := f.dispatcher.Invoke(context.Background(), "/ws", "deploy")
	if !errors.Is(err, prompt.ErrDeclined) {
		t.Fatalf("error = %v, want ErrDeclined", err)
	}
	if f.runner.kills != 0 {
		t.Fatal("declined conflict must not kill the running process")
	}
	if f.ensurer.callCount() != 0 {
		t.Fatal("declined conflict must stop before reconciliation")
	}
}

func TestInvokeBusyAcceptedCancelsAndProceeds(t *testing.T) {
	t.Parallel()

	f := newFixture([]bool{true})
	f.dispatcher.MarkStartupComplete()
	f.runner.busyLabel = "run simulator"

	if err := f.dispatcher.Invoke(context.Background(), "/ws", "deploy"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if f.runner.kills != 1 {
		t.Fatalf("kills = %d, want 1", f.runner.kills)
	}
	lines := f.runner.argLines()
	if len(lines) != 1 || !strings.Contains(lines[0], "-m mechpy deploy") {
		t.Fatalf("invocations = %v", lines)
	}
	if len(f.confirmer.asked) != 1 || !f.confirmer.asked[0].Destructive {
		t.Fatal("cancel-offer prompt must be destructive")
	}
}

func TestInvokeSaveFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	saver := &failingSaver{}
	f.dispatcher.saver = saver
	f.dispatcher.MarkStartupComplete()

	if err := f.dispatcher.Invoke(context.Background(), "/ws", "sim"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if saver.calls != 1 {
		t.Fatalf("save calls = %d, want 1", saver.calls)
	}
	if len(f.runner.argLines()) != 1 {
		t.Fatal("command must proceed despite the save failure")
	}
}

func TestInvokeAbortsWhenEnvironmentNotReady(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	f.dispatcher.MarkStartupComplete()
	f.ensurer.ready = false

	if err := f.dispatcher.Invoke(context.Background(), "/ws", "deploy"); err != nil {
		t.Fatalf("declined readiness is not an error: %v", err)
	}
	if len(f.runner.argLines()) != 0 {
		t.Fatal("not-ready environment must not run steps")
	}
}

type fakeLocker struct {
	mu       sync.Mutex
	err      error
	acquired []string
	released int
}

func (f *fakeLocker) Acquire(_ context.Context, _, command string) (func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired = append(f.acquired, command)
	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.released++
		return nil
	}, nil
}

func TestInvokeHoldsWorkspaceLeaseAroundSteps(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	locker := &fakeLocker{}
	f.dispatcher.locker = locker
	f.dispatcher.MarkStartupComplete()

	if err := f.dispatcher.Invoke(context.Background(), "/ws", "deploy"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(locker.acquired) != 1 || locker.acquired[0] != "deploy" {
		t.Fatalf("acquired = %v", locker.acquired)
	}
	if locker.released != 1 {
		t.Fatalf("released = %d, want 1", locker.released)
	}
}

func TestInvokeLeaseConflictRunsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	f.dispatcher.locker = &fakeLocker{err: errors.New("workspace is busy")}
	f.dispatcher.MarkStartupComplete()

	if err := f.dispatcher.Invoke(context.Background(), "/ws", "deploy"); err == nil {
		t.Fatal("lease conflict must fail the invocation")
	}
	if len(f.runner.argLines()) != 0 {
		t.Fatal("no step may run without the workspace lease")
	}
}

func TestInvokeReprobesEveryTime(t *testing.T) {
	t.Parallel()

	f := newFixture(nil)
	f.dispatcher.MarkStartupComplete()

	for i := 0; i < 3; i++ {
		if err := f.dispatcher.Invoke(context.Background(), "/ws", "sim"); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}
	if f.prober.callCount() != 3 {
		t.Fatalf("probe calls = %d, want one per invocation", f.prober.callCount())
	}
}
