package claudepipe

import "github.com/claudepipe/claudepipe/compaction"

// monitor is the per-session threshold state machine. Like the accumulator
// it is owned exclusively by the session loop, so it needs no locking.
//
// States only escalate between compactions: once AutoPending is reached the
// session stays pending until a compaction resolves it, and ForcePending
// overrides a pending Auto from any state. Terminated is terminal.
type monitor struct {
	cfg *compaction.Config

	state   ThresholdState
	pending PendingKind

	// Pre-compaction state, restored on failure so the trigger condition
	// re-fires at the next eligible boundary.
	priorState   ThresholdState
	priorPending PendingKind
}

func newMonitor(cfg *compaction.Config) *monitor {
	return &monitor{
		cfg:     cfg,
		state:   StateNormal,
		pending: PendingNone,
	}
}

// stateRank orders states for escalation-only transitions.
func stateRank(s ThresholdState) int {
	switch s {
	case StateNormal:
		return 0
	case StateWarning:
		return 1
	case StateAutoPending:
		return 2
	case StateForcePending:
		return 3
	default:
		return 4
	}
}

// observe re-evaluates the thresholds after an accounting update. It
// returns the user-facing notice when a new threshold is crossed, and
// whether the state changed. No evaluation happens while compacting or
// after termination.
func (m *monitor) observe(totalTokens int) (notice string, changed bool) {
	if m.state == StateCompacting || m.state == StateTerminated {
		return "", false
	}

	action := m.cfg.Evaluate(totalTokens)

	var target ThresholdState
	var pending PendingKind
	switch action {
	case compaction.ActionForce:
		target, pending = StateForcePending, PendingForce
	case compaction.ActionAuto:
		target, pending = StateAutoPending, PendingAuto
	case compaction.ActionWarning:
		target, pending = StateWarning, PendingNone
	default:
		return "", false
	}

	if stateRank(target) <= stateRank(m.state) {
		return "", false
	}

	m.state = target
	m.pending = pending
	return action.Notice(), true
}

// beginCompaction moves the session into Compacting, remembering the prior
// state for the failure path. Returns false when the transition is not
// allowed: duplicate triggers are a guarded no-op, and terminated sessions
// never compact.
func (m *monitor) beginCompaction() bool {
	if m.state == StateCompacting || m.state == StateTerminated {
		return false
	}

	m.priorState = m.state
	m.priorPending = m.pending
	m.state = StateCompacting
	return true
}

// completeCompaction leaves Compacting. Success resets to Normal with no
// pending record; failure restores the pre-compaction pending state with
// counters untouched by the caller.
func (m *monitor) completeCompaction(success bool) {
	if m.state != StateCompacting {
		return
	}

	if success {
		m.state = StateNormal
		m.pending = PendingNone
		return
	}

	m.state = m.priorState
	m.pending = m.priorPending
}

// terminate moves to the terminal state. No outgoing transitions exist.
func (m *monitor) terminate() {
	m.state = StateTerminated
	m.pending = PendingNone
}
