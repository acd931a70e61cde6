package orchestrator

// Phase is a step in the pipeline's state diagram. It is string-backed
// so event envelopes and logs carry a readable value, but every
// transition is driven by an exhaustive switch, never a lookup map.
type Phase string

const (
	PhaseStart           Phase = "START"
	PhaseCloning         Phase = "CLONING"
	PhaseDetectFramework Phase = "DETECT_FRAMEWORK"
	PhaseInstallDeps     Phase = "INSTALL_DEPS"
	PhaseRunTests        Phase = "RUN_TESTS"
	PhaseAnalyzeFailures Phase = "ANALYZE_FAILURES"
	PhaseGenerateFix     Phase = "GENERATE_FIX"
	PhaseApplyFix        Phase = "APPLY_FIX"
	PhaseVerify          Phase = "VERIFY"
	PhasePublish         Phase = "PUBLISH"
	PhaseGenerateResults Phase = "GENERATE_RESULTS"
	PhaseEnd             Phase = "END"
)

// Outcome is the result of executing a single phase; it is what
// nextPhase consults to pick the following Phase.
type Outcome string

const (
	OutcomeContinue  Outcome = "continue"
	OutcomeAllPassed Outcome = "all_passed"
	OutcomeRetry     Outcome = "retry"
	OutcomePublish   Outcome = "publish"
	OutcomeFinish    Outcome = "finish"
	OutcomeFatal     Outcome = "fatal"
)

// nextPhase implements the state diagram's conditional edges as an
// exhaustive table. Every (phase, outcome) pair reachable from the
// diagram must be covered; anything else is a programming error and
// returns PhaseEnd defensively rather than panicking mid-run.
func nextPhase(phase Phase, outcome Outcome) Phase {
	switch phase {
	case PhaseStart:
		return PhaseCloning
	case PhaseCloning:
		if outcome == OutcomeFatal {
			return PhaseEnd
		}
		return PhaseDetectFramework
	case PhaseDetectFramework:
		if outcome == OutcomeFatal {
			return PhaseEnd
		}
		return PhaseInstallDeps
	case PhaseInstallDeps:
		return PhaseRunTests
	case PhaseRunTests:
		return PhaseAnalyzeFailures
	case PhaseAnalyzeFailures:
		if outcome == OutcomeAllPassed {
			return PhaseGenerateResults
		}
		return PhaseGenerateFix
	case PhaseGenerateFix:
		return PhaseApplyFix
	case PhaseApplyFix:
		return PhaseVerify
	case PhaseVerify:
		switch outcome {
		case OutcomeAllPassed, OutcomePublish:
			return PhasePublish
		case OutcomeFinish:
			return PhaseGenerateResults
		default:
			return PhaseAnalyzeFailures
		}
	case PhasePublish:
		return PhaseGenerateResults
	case PhaseGenerateResults:
		return PhaseEnd
	default:
		return PhaseEnd
	}
}
