package acquisition

// RunState is the lifecycle of an acquisition run.
type RunState int

const (
	Idle RunState = iota
	Connecting
	Negotiating
	Polling
	Stopping
	Failed
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Negotiating:
		return "negotiating"
	case Polling:
		return "polling"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var transitions = map[RunState][]RunState{
	Idle:        {Connecting},
	Connecting:  {Negotiating, Stopping, Failed},
	Negotiating: {Polling, Stopping, Failed},
	Polling:     {Stopping, Failed},
	Stopping:    {Idle},
	Failed:      {Idle},
}

func canTransition(from, to RunState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Indicator is held for the duration of a polling run, e.g. a "running"
// notification.
type Indicator interface {
	Acquire(driver string)
	Release()
}

type nopIndicator struct{}

func (nopIndicator) Acquire(string) {}

func (nopIndicator) Release() {}
