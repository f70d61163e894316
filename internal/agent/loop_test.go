package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/opsclaw/internal/executor"
	"github.com/clawinfra/opsclaw/internal/governance"
	"github.com/clawinfra/opsclaw/internal/memory"
	"github.com/clawinfra/opsclaw/internal/policy"
	"github.com/clawinfra/opsclaw/internal/proof"
	"github.com/clawinfra/opsclaw/internal/types"
)

// fakePolicy is a scriptable decision service that counts calls.
type fakePolicy struct {
	mu    sync.Mutex
	calls int
	resp  policy.Response
	err   error
}

func (f *fakePolicy) Decide(_ context.Context, _ policy.Request) (policy.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.resp, f.err
}

func (f *fakePolicy) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var envAllowlists = map[types.Env][]types.Action{
	types.EnvProd:  {types.ActionNoop},
	types.EnvStage: {types.ActionNoop, types.ActionRestart},
	types.EnvDev:   {types.ActionNoop, types.ActionRestart, types.ActionScaleUp, types.ActionScaleDown},
}

var testCooldowns = map[types.Action]time.Duration{
	types.ActionNoop:      0,
	types.ActionRestart:   60 * time.Second,
	types.ActionScaleUp:   120 * time.Second,
	types.ActionScaleDown: 120 * time.Second,
	types.ActionRollback:  300 * time.Second,
}

type harness struct {
	clock  *clock
	proofs *proof.Log
	mem    *memory.Store
	pol    *fakePolicy
	loop   *Loop
}

func newHarness(t *testing.T, env types.Env, demo, freeze bool) *harness {
	t.Helper()

	clk := newTestClock()
	proofs, err := proof.Open(filepath.Join(t.TempDir(), "proof.log"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { proofs.Close() })

	mem := memory.New(50, 10, nil, memory.WithClock(clk.now))
	gov := governance.New(env, envAllowlists[env], testCooldowns, 3, 5*time.Minute, nil,
		governance.WithClock(clk.now), governance.WithFrozen(freeze))
	gate := executor.NewGate(env, envAllowlists[env], demo, freeze, proofs, nil, nil)
	pol := &fakePolicy{resp: policy.Response{Action: types.ActionNoop, Confidence: 0.9}}

	loop := NewLoop(LoopConfig{
		Env:                  env,
		Memory:               mem,
		Governance:           gov,
		Gate:                 gate,
		Policy:               pol,
		Proofs:               proofs,
		UncertaintyThreshold: 0.5,
		RepetitionWindow:     5 * time.Minute,
		Demo:                 demo,
		Freeze:               freeze,
		Now:                  clk.now,
	})
	return &harness{clock: clk, proofs: proofs, mem: mem, pol: pol, loop: loop}
}

func (h *harness) kinds(t *testing.T) map[proof.Kind]int {
	t.Helper()
	records, err := h.proofs.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[proof.Kind]int)
	for _, r := range records {
		out[r.Kind]++
	}
	return out
}

func event(entity string, env types.Env, state types.HealthState) types.RuntimeEvent {
	return types.RuntimeEvent{Entity: entity, Env: env, State: state, Timestamp: time.Now()}
}

func TestCrashedEntityGetsRestarted(t *testing.T) {
	// Crashed entity in stage, confident restart from the service: the
	// restart executes and the cycle reports a stable system.
	h := newHarness(t, types.EnvStage, false, false)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.95}

	d, outcome, err := h.loop.RunCycle(context.Background(), event("payments", types.EnvStage, types.StateCrashed))
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if d.Action != types.ActionRestart || d.Source != types.SourcePolicy {
		t.Errorf("decision = %s/%s, want restart/policy", d.Action, d.Source)
	}
	if outcome.Result.Status != types.ExecExecuted {
		t.Errorf("status = %s, want executed", outcome.Result.Status)
	}
	if !outcome.SystemStable {
		t.Error("system not reported stable after successful restart")
	}

	kinds := h.kinds(t)
	for _, k := range []proof.Kind{proof.KindPolicyCall, proof.KindPolicyResponse, proof.KindDecision, proof.KindExec, proof.KindSystemStable} {
		if kinds[k] == 0 {
			t.Errorf("missing proof kind %s", k)
		}
	}
	if got := h.loop.Status().State; got != string(PhaseIdle) {
		t.Errorf("state after cycle = %s, want idle", got)
	}
}

func TestFourthRepeatIsSuppressed(t *testing.T) {
	// Three restarts of the same entity execute; the fourth inside the
	// five-minute window is suppressed and becomes a noop.
	h := newHarness(t, types.EnvStage, false, false)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.95}

	for i := 0; i < 3; i++ {
		d, outcome, err := h.loop.RunCycle(context.Background(), event("payments", types.EnvStage, types.StateDegraded))
		if err != nil {
			t.Fatal(err)
		}
		if d.Action != types.ActionRestart || outcome.Result.Status != types.ExecExecuted {
			t.Fatalf("cycle %d: got %s/%s", i+1, d.Action, outcome.Result.Status)
		}
		h.clock.advance(61 * time.Second) // clear the restart cooldown, stay inside the window
	}

	d, outcome, err := h.loop.RunCycle(context.Background(), event("payments", types.EnvStage, types.StateDegraded))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionNoop || d.Source != types.SourceGovernance {
		t.Errorf("decision = %s/%s, want noop/governance", d.Action, d.Source)
	}
	if d.Reason != "repetition_suppressed" {
		t.Errorf("reason = %q, want repetition_suppressed", d.Reason)
	}
	if outcome.Result.Status != types.ExecSkipped {
		t.Errorf("status = %s, want skipped", outcome.Result.Status)
	}
	if h.kinds(t)[proof.KindRepetitionSuppressed] != 1 {
		t.Error("missing REPETITION_SUPPRESSED proof record")
	}
}

func TestNewlyOnboardedIsObservedNotActedOn(t *testing.T) {
	h := newHarness(t, types.EnvDev, false, false)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.99}

	d, outcome, err := h.loop.RunCycle(context.Background(), event("fresh-svc", types.EnvDev, types.StateNewlyOnboarded))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionNoop || d.Source != types.SourceOnboardingPolicy {
		t.Errorf("decision = %s/%s, want noop/onboarding_policy", d.Action, d.Source)
	}
	if h.pol.callCount() != 0 {
		t.Errorf("decision service called %d times for onboarding, want 0", h.pol.callCount())
	}
	if outcome.Result.Status != types.ExecExecuted {
		t.Errorf("status = %s, want executed noop", outcome.Result.Status)
	}
	if h.kinds(t)[proof.KindOnboardingNoop] != 1 {
		t.Error("missing ONBOARDING_NOOP proof record")
	}
}

func TestPolicyTimeoutResolvesToNoop(t *testing.T) {
	h := newHarness(t, types.EnvDev, false, false)
	h.pol.err = &policy.TransportError{Kind: policy.ErrKindTimeout, Err: context.DeadlineExceeded}

	d, _, err := h.loop.RunCycle(context.Background(), event("api", types.EnvDev, types.StateDegraded))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionNoop || d.Source != types.SourcePolicy {
		t.Errorf("decision = %s/%s, want noop/policy", d.Action, d.Source)
	}
	if d.Reason != "policy_unavailable:timeout" {
		t.Errorf("reason = %q", d.Reason)
	}
	if h.kinds(t)[proof.KindPolicyError] != 1 {
		t.Error("missing POLICY_ERROR proof record")
	}
}

func TestUncertaintyBlocksCycle(t *testing.T) {
	// An uncertain decision blocks the cycle before governance and the
	// gate: nothing executes, and memory remembers a blocked outcome.
	h := newHarness(t, types.EnvDev, false, false)
	h.pol.resp = policy.Response{Action: types.ActionScaleUp, Confidence: 0.3}

	d, outcome, err := h.loop.RunCycle(context.Background(), event("api", types.EnvDev, types.StateDegraded))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionNoop || d.Source != types.SourceSelfRestraint {
		t.Errorf("decision = %s/%s, want noop/self_restraint", d.Action, d.Source)
	}
	if d.Reason != "uncertainty_too_high" {
		t.Errorf("reason = %q, want uncertainty_too_high", d.Reason)
	}
	if outcome.Result.Status != types.ExecSkipped {
		t.Errorf("status = %s, want skipped", outcome.Result.Status)
	}

	recs := h.mem.Decisions()
	if len(recs) != 1 || recs[0].Outcome != memory.OutcomeBlocked {
		t.Errorf("memory records = %+v, want one blocked outcome", recs)
	}

	kinds := h.kinds(t)
	if kinds[proof.KindUncertaintyNoop] != 1 {
		t.Error("missing UNCERTAINTY_NOOP proof record")
	}
	if kinds[proof.KindExec] != 0 {
		t.Error("uncertain decision reached the executor")
	}
	if got := h.loop.Status().State; got != string(PhaseIdle) {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestConfidenceAtThresholdStillActs(t *testing.T) {
	h := newHarness(t, types.EnvDev, false, false)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.5}

	d, _, err := h.loop.RunCycle(context.Background(), event("api", types.EnvDev, types.StateDegraded))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionRestart {
		t.Errorf("action = %s, want restart (uncertainty is strict)", d.Action)
	}
}

func TestSignalConflictObservesInsteadOfActing(t *testing.T) {
	h := newHarness(t, types.EnvDev, false, false)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.9}

	ev := event("api", types.EnvDev, types.StateDegraded)
	ev.Signals = map[string]float64{"cpu_high": 0.9, "cpu_low": 0.8}

	d, outcome, err := h.loop.RunCycle(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Observed {
		t.Error("outcome not marked observed")
	}
	if outcome.Result.Status != types.ExecSkipped {
		t.Errorf("status = %s, want skipped", outcome.Result.Status)
	}
	if !strings.HasPrefix(d.Reason, "signal_conflict") {
		t.Errorf("reason = %q", d.Reason)
	}
	if h.kinds(t)[proof.KindSignalConflict] != 1 {
		t.Error("missing SIGNAL_CONFLICT_OBSERVE proof record")
	}
	if got := h.loop.Status().State; got != string(PhaseIdle) {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestEnvironmentAllowlistBlocksAction(t *testing.T) {
	// The fake service bypasses client-side sanitization, so governance is
	// the layer under test here: restart is never eligible in prod.
	h := newHarness(t, types.EnvProd, false, false)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.99}

	d, outcome, err := h.loop.RunCycle(context.Background(), event("api", types.EnvProd, types.StateCrashed))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionNoop || d.Source != types.SourceGovernance {
		t.Errorf("decision = %s/%s, want noop/governance", d.Action, d.Source)
	}
	if d.Reason != "action_not_eligible" {
		t.Errorf("reason = %q, want action_not_eligible", d.Reason)
	}
	if outcome.Result.Status != types.ExecSkipped {
		t.Errorf("status = %s, want skipped", outcome.Result.Status)
	}
	if h.kinds(t)[proof.KindGovernanceBlock] != 1 {
		t.Error("missing GOVERNANCE_BLOCK proof record")
	}
}

func TestCooldownBlocksSecondAttempt(t *testing.T) {
	h := newHarness(t, types.EnvStage, false, false)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.95}

	if _, outcome, err := h.loop.RunCycle(context.Background(), event("api", types.EnvStage, types.StateCrashed)); err != nil || outcome.Result.Status != types.ExecExecuted {
		t.Fatalf("first cycle: %v / %s", err, outcome.Result.Status)
	}

	h.clock.advance(10 * time.Second)
	d, outcome, err := h.loop.RunCycle(context.Background(), event("api", types.EnvStage, types.StateCrashed))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionNoop || d.Reason != "cooldown_active" {
		t.Errorf("decision = %s %q, want noop cooldown_active", d.Action, d.Reason)
	}
	if outcome.Result.Status != types.ExecSkipped {
		t.Errorf("status = %s, want skipped", outcome.Result.Status)
	}
	if h.kinds(t)[proof.KindCooldownActive] != 1 {
		t.Error("missing COOLDOWN_ACTIVE proof record")
	}
}

func TestInvalidEventIsRejectedBeforeDeciding(t *testing.T) {
	h := newHarness(t, types.EnvDev, false, false)

	d, outcome, err := h.loop.RunCycle(context.Background(), types.RuntimeEvent{Env: types.EnvDev, State: types.StateDegraded})
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != "invalid_input" || d.Action != types.ActionNoop {
		t.Errorf("decision = %s %q", d.Action, d.Reason)
	}
	if outcome.Result.Status != types.ExecSkipped {
		t.Errorf("status = %s, want skipped", outcome.Result.Status)
	}
	if h.pol.callCount() != 0 {
		t.Error("decision service called for invalid input")
	}
	if h.kinds(t)[proof.KindInvalidInput] != 1 {
		t.Error("missing INVALID_INPUT proof record")
	}
}

func TestMemoryOverrideSkipsPolicyCall(t *testing.T) {
	h := newHarness(t, types.EnvDev, false, false)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.99}

	// Seed a failure streak for the entity.
	for i := 0; i < 3; i++ {
		h.mem.RecordDecision(memory.DecisionRecord{
			Entity: "api", Action: types.ActionRestart,
			Outcome: memory.OutcomeFailure, Timestamp: h.clock.now(),
		})
	}

	d, _, err := h.loop.RunCycle(context.Background(), event("api", types.EnvDev, types.StateDegraded))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionNoop || d.Source != types.SourceSelfRestraint {
		t.Errorf("decision = %s/%s, want noop/self_restraint", d.Action, d.Source)
	}
	if !strings.HasPrefix(d.Reason, "memory_override_failures") {
		t.Errorf("reason = %q", d.Reason)
	}
	if h.pol.callCount() != 0 {
		t.Errorf("decision service called %d times under override, want 0", h.pol.callCount())
	}
	if h.kinds(t)[proof.KindMemoryOverride] != 1 {
		t.Error("missing MEMORY_OVERRIDE proof record")
	}
}

func TestFreezeIsDeterministic(t *testing.T) {
	h := newHarness(t, types.EnvStage, false, true)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.95}

	ev := event("api", types.EnvStage, types.StateCrashed)
	var first types.Decision
	for i := 0; i < 5; i++ {
		d, outcome, err := h.loop.RunCycle(context.Background(), ev)
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Result.Status != types.ExecSimulated {
			t.Fatalf("cycle %d: status = %s, want simulated", i, outcome.Result.Status)
		}
		if i == 0 {
			first = d
			continue
		}
		if d.Action != first.Action || d.Source != first.Source || d.Reason != first.Reason {
			t.Errorf("cycle %d diverged: %s/%s/%q vs %s/%s/%q",
				i, d.Action, d.Source, d.Reason, first.Action, first.Source, first.Reason)
		}
	}
	if got := h.mem.Stats().Decisions; got != 0 {
		t.Errorf("frozen loop wrote %d memory records", got)
	}
}

func TestDemoModeSimulates(t *testing.T) {
	h := newHarness(t, types.EnvStage, true, false)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.95}

	_, outcome, err := h.loop.RunCycle(context.Background(), event("api", types.EnvStage, types.StateCrashed))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Result.Status != types.ExecSimulated {
		t.Errorf("status = %s, want simulated", outcome.Result.Status)
	}
	// Demo mode still learns, unlike freeze.
	if got := h.mem.Stats().Decisions; got != 1 {
		t.Errorf("memory records = %d, want 1", got)
	}
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, types.EnvDev, false, false)
	if err := h.loop.Heartbeat(); err != nil {
		t.Fatal(err)
	}
	if h.kinds(t)[proof.KindHeartbeat] != 1 {
		t.Error("missing HEARTBEAT proof record")
	}
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, types.EnvStage, false, false)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.95}

	if _, _, err := h.loop.RunCycle(context.Background(), event("api", types.EnvStage, types.StateCrashed)); err != nil {
		t.Fatal(err)
	}

	st := h.loop.Status()
	if st.Env != "stage" || st.LoopCount != 1 || st.State != string(PhaseIdle) {
		t.Errorf("status = %+v", st)
	}
	if st.LastDecision.Action != types.ActionRestart {
		t.Errorf("last decision = %s, want restart", st.LastDecision.Action)
	}
	if st.LastDecision.Explanation == "" {
		t.Error("last decision has no explanation")
	}
	if st.AgentID == "" {
		t.Error("missing instance id")
	}

	// The wire keys are a contract for operator tooling.
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var keys map[string]any
	if err := json.Unmarshal(raw, &keys); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"agent_id", "state", "loop_count", "uptime_seconds", "last_decision", "memory", "env", "timestamp"} {
		if _, ok := keys[k]; !ok {
			t.Errorf("status json missing key %q", k)
		}
	}
}

func TestStatusTracksLastBlock(t *testing.T) {
	// A governance block and a self-restraint block leave distinct
	// reason/type pairs in the status snapshot.
	h := newHarness(t, types.EnvProd, false, false)
	h.pol.resp = policy.Response{Action: types.ActionRestart, Confidence: 0.99}

	if _, _, err := h.loop.RunCycle(context.Background(), event("api", types.EnvProd, types.StateCrashed)); err != nil {
		t.Fatal(err)
	}
	st := h.loop.Status()
	if st.LastBlockReason != "action_not_eligible" || st.BlockType != "governance" {
		t.Errorf("block = %q/%q, want action_not_eligible/governance", st.LastBlockReason, st.BlockType)
	}

	h.pol.resp = policy.Response{Action: types.ActionNoop, Confidence: 0.2}
	if _, _, err := h.loop.RunCycle(context.Background(), event("api", types.EnvProd, types.StateDegraded)); err != nil {
		t.Fatal(err)
	}
	st = h.loop.Status()
	if st.LastBlockReason != "uncertainty_too_high" || st.BlockType != "self_restraint" {
		t.Errorf("block = %q/%q, want uncertainty_too_high/self_restraint", st.LastBlockReason, st.BlockType)
	}
}

// panicPolicy blows up inside the DECIDE phase.
type panicPolicy struct{}

func (panicPolicy) Decide(_ context.Context, _ policy.Request) (policy.Response, error) {
	panic("decision service client bug")
}

func TestPhasePanicIsContained(t *testing.T) {
	// A panic inside a phase must not escape RunCycle: the cycle resolves
	// to a skipped noop, leaves a PHASE_ERROR proof record, and the loop
	// is usable again on the next event.
	h := newHarness(t, types.EnvStage, false, false)
	h.loop.policy = panicPolicy{}

	d, outcome, err := h.loop.RunCycle(context.Background(), event("api", types.EnvStage, types.StateDegraded))
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if d.Action != types.ActionNoop || d.Reason != "phase_panic" {
		t.Errorf("decision = %s %q, want noop phase_panic", d.Action, d.Reason)
	}
	if outcome.Result.Status != types.ExecSkipped {
		t.Errorf("status = %s, want skipped", outcome.Result.Status)
	}
	if h.kinds(t)[proof.KindPhaseError] != 1 {
		t.Error("missing PHASE_ERROR proof record")
	}
	if got := h.loop.Status().State; got != string(PhaseIdle) {
		t.Errorf("state = %s, want idle", got)
	}

	// The machine was reset, so a normal cycle still works.
	h.loop.policy = h.pol
	h.pol.resp = policy.Response{Action: types.ActionNoop, Confidence: 0.9}
	if _, outcome, err := h.loop.RunCycle(context.Background(), event("api", types.EnvStage, types.StateHealthy)); err != nil || outcome.Result.Status != types.ExecExecuted {
		t.Fatalf("cycle after panic: %v / %s", err, outcome.Result.Status)
	}
}

// chanSource adapts a channel to EventSource.
type chanSource struct {
	ch chan types.RuntimeEvent
}

func (s *chanSource) Events() <-chan types.RuntimeEvent { return s.ch }

func TestRunProcessesAndFilters(t *testing.T) {
	h := newHarness(t, types.EnvStage, false, false)
	h.pol.resp = policy.Response{Action: types.ActionNoop, Confidence: 0.9}

	src := &chanSource{ch: make(chan types.RuntimeEvent, 4)}
	src.ch <- event("api", types.EnvStage, types.StateHealthy)
	src.ch <- event("api", types.EnvDev, types.StateCrashed) // other env: dropped
	close(src.ch)

	if err := h.loop.Run(context.Background(), src, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.loop.Status().LoopCount; got != 1 {
		t.Errorf("cycles = %d, want 1 (foreign-env event must be dropped)", got)
	}
}

type fakeSink struct {
	mu      sync.Mutex
	inserts []string
}

func (f *fakeSink) Insert(_ context.Context, _ types.Env, entity string, _ types.Decision, _ types.ExecutionOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, entity)
	return nil
}

func TestRunForwardsCyclesToSink(t *testing.T) {
	h := newHarness(t, types.EnvStage, false, false)
	sink := &fakeSink{}
	h.loop.sink = sink
	h.pol.resp = policy.Response{Action: types.ActionNoop, Confidence: 0.9}

	src := &chanSource{ch: make(chan types.RuntimeEvent, 2)}
	src.ch <- event("payments", types.EnvStage, types.StateHealthy)
	close(src.ch)

	if err := h.loop.Run(context.Background(), src, time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.inserts) != 1 || sink.inserts[0] != "payments" {
		t.Errorf("sink inserts = %v", sink.inserts)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, types.EnvStage, false, false)
	src := &chanSource{ch: make(chan types.RuntimeEvent)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx, src, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestStateMachineTransitions(t *testing.T) {
	m := NewMachine()
	path := []Phase{PhaseObserving, PhaseValidating, PhaseDeciding, PhaseEnforcing, PhaseActing, PhaseObservingResults, PhaseExplaining, PhaseIdle}
	for _, p := range path {
		if err := m.Transition(p); err != nil {
			t.Fatalf("transition to %s: %v", p, err)
		}
	}

	// Blocked path.
	for _, p := range []Phase{PhaseObserving, PhaseValidating, PhaseDeciding, PhaseEnforcing, PhaseBlocked, PhaseIdle} {
		if err := m.Transition(p); err != nil {
			t.Fatalf("transition to %s: %v", p, err)
		}
	}

	// Observe path skips acting.
	for _, p := range []Phase{PhaseObserving, PhaseValidating, PhaseDeciding, PhaseEnforcing, PhaseObservingResults, PhaseExplaining, PhaseIdle} {
		if err := m.Transition(p); err != nil {
			t.Fatalf("transition to %s: %v", p, err)
		}
	}

	// Illegal edges fail.
	if err := m.Transition(PhaseActing); err == nil {
		t.Error("idle -> acting allowed")
	}
	if err := m.Transition(PhaseObserving); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(PhaseExplaining); err == nil {
		t.Error("observing -> explaining allowed")
	}
}
