package auth

import "fmt"

// State is a step of the per-request authentication pipeline.
type State int

const (
	StateParsingHeader State = iota
	StateCheckingTimestamp
	StateCheckingNonce
	StateFetchingCredential
	StateVerifyingSignature
	StateDone
)

func (s State) String() string {
	switch s {
	case StateParsingHeader:
		return "ParsingHeader"
	case StateCheckingTimestamp:
		return "CheckingTimestamp"
	case StateCheckingNonce:
		return "CheckingNonce"
	case StateFetchingCredential:
		return "FetchingCredential"
	case StateVerifyingSignature:
		return "VerifyingSignature"
	case StateDone:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is the result of running one pipeline step.
type Outcome int

const (
	// OutcomePass moves the pipeline to the next step.
	OutcomePass Outcome = iota
	// OutcomeReject ends the pipeline with a protocol failure.
	OutcomeReject
	// OutcomeError ends the pipeline with an infrastructure error.
	OutcomeError
)

// Event reports what happened while a step ran.
type Event struct {
	Outcome Outcome
	Reason  FailureReason
	Err     error
	Debug   map[string]string
}

func pass() Event { return Event{Outcome: OutcomePass} }
func reject(reason FailureReason) Event { return Event{Outcome: OutcomeReject, Reason: reason} }
func fail(err error) Event { return Event{Outcome: OutcomeError, Err: err} }

var (
	macPipeline = map[State]State{
		StateParsingHeader:      StateCheckingTimestamp,
		StateCheckingTimestamp:  StateCheckingNonce,
		StateCheckingNonce:      StateFetchingCredential,
		StateFetchingCredential: StateVerifyingSignature,
		StateVerifyingSignature: StateDone,
	}
	basicPipeline = map[State]State{
		StateParsingHeader:      StateFetchingCredential,
		StateFetchingCredential: StateDone,
	}
)

// Step is the transition function of the pipeline for a scheme. Rejections and
// errors are terminal; a pass advances to the scheme's next state.
func Step(scheme string, state State, ev Event) (State, error) {
	var pipeline map[State]State
	switch scheme {
	case SchemeMAC:
		pipeline = macPipeline
	case SchemeBasic:
		pipeline = basicPipeline
	default:
		return StateDone, fmt.Errorf("no pipeline for scheme %q", scheme)
	}
	next, ok := pipeline[state]
	if !ok {
		return StateDone, fmt.Errorf("scheme %s has no transition out of %s", scheme, state)
	}
	if ev.Outcome != OutcomePass {
		return StateDone, nil
	}
	return next, nil
}

// stepFunc runs the work of one state.
type stepFunc func() Event

// run drives a pipeline until it is done.
func run(scheme string, steps map[State]stepFunc, onSuccess func() Verdict) (Verdict, error) {
	state := StateParsingHeader
	for state != StateDone {
		step, ok := steps[state]
		if !ok {
			return Verdict{}, fmt.Errorf("scheme %s has no step for %s", scheme, state)
		}
		ev := step()
		next, err := Step(scheme, state, ev)
		if err != nil {
			return Verdict{}, err
		}
		switch ev.Outcome {
		case OutcomeError:
			return Verdict{}, ev.Err
		case OutcomeReject:
			verdict := Failure(scheme, ev.Reason)
			verdict.Debug = ev.Debug
			return verdict, nil
		}
		state = next
	}
	return onSuccess(), nil
}
