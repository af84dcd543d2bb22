package engine

// NavOutcome is the result of the navigation phase.
type NavOutcome int

const (
	NavFound NavOutcome = iota
	NavNotFound
	NavWrongApp
)

func (n NavOutcome) String() string {
	switch n {
	case NavFound:
		return "found"
	case NavNotFound:
		return "not_found"
	case NavWrongApp:
		return "wrong_app"
	}
	return "unknown"
}

// WatchOutcome is the result of the watch phase.
type WatchOutcome int

const (
	WatchCompleted WatchOutcome = iota
	WatchCrashed
	WatchStalled
	WatchTimedOut
)

func (w WatchOutcome) String() string {
	switch w {
	case WatchCompleted:
		return "completed"
	case WatchCrashed:
		return "crashed"
	case WatchStalled:
		return "stalled"
	case WatchTimedOut:
		return "timed_out"
	}
	return "unknown"
}
