package session

import "fmt"

// State is the call lifecycle phase. Transitions are checked against the
// table below; an illegal transition is a programming error and is logged,
// never silently applied.
type State int

const (
	StateInit State = iota
	StateAwaitingStart
	StateContextResolving
	StateFailedTerminal
	StateUpstreamConnecting
	StateUpstreamReady
	StateStreaming
	StateFunctionCallPending
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateContextResolving:
		return "context_resolving"
	case StateFailedTerminal:
		return "failed_terminal"
	case StateUpstreamConnecting:
		return "upstream_connecting"
	case StateUpstreamReady:
		return "upstream_ready"
	case StateStreaming:
		return "streaming"
	case StateFunctionCallPending:
		return "function_call_pending"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var legalTransitions = map[State][]State{
	StateInit:                {StateAwaitingStart, StateClosing},
	StateAwaitingStart:       {StateContextResolving, StateClosing},
	StateContextResolving:    {StateFailedTerminal, StateUpstreamConnecting, StateClosing},
	StateFailedTerminal:      {StateClosing},
	StateUpstreamConnecting:  {StateUpstreamReady, StateFailedTerminal, StateClosing},
	StateUpstreamReady:       {StateStreaming, StateClosing},
	StateStreaming:           {StateFunctionCallPending, StateClosing},
	StateFunctionCallPending: {StateStreaming, StateClosing},
	StateClosing:             {StateClosed},
	StateClosed:              nil,
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
