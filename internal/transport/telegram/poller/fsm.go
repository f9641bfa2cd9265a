package poller

// State of the poll loop.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StatePolling  State = "polling"
	StateBackoff  State = "backoff"
)

// Event drives Transition.
type Event string

const (
	EventStart       Event = "start"
	EventReady       Event = "ready"
	EventPollOK      Event = "poll_ok"
	EventPollFailed  Event = "poll_failed"
	EventBackoffDone Event = "backoff_done"
	EventStop        Event = "stop"
)

// Transition is the pure state function of the loop. ok is false when the
// event is not valid in s; the state is then unchanged.
//
//	Stopped  -start->         Starting
//	Starting -ready->         Polling
//	Polling  -poll_ok->       Polling
//	Polling  -poll_failed->   Backoff
//	Backoff  -backoff_done->  Polling
//	any      -stop->          Stopped
func Transition(s State, e Event) (State, bool) {
	if e == EventStop {
		return StateStopped, true
	}
	switch s {
	case StateStopped:
		if e == EventStart {
			return StateStarting, true
		}
	case StateStarting:
		switch e {
		case EventReady:
			return StatePolling, true
		case EventPollFailed:
			return StateBackoff, true
		}
	case StatePolling:
		switch e {
		case EventPollOK:
			return StatePolling, true
		case EventPollFailed:
			return StateBackoff, true
		}
	case StateBackoff:
		if e == EventBackoffDone {
			return StatePolling, true
		}
	}
	return s, false
}
