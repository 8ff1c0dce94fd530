package push

import "github.com/metasvc/corehub/keymap"

// ErrorCounter tracks how many rows have failed to push across this run
// and reports, through RecordError, when a caller-configured threshold is
// reached; the push Engine then stops the run. It is
// backed by keymap.Counter so a
// distributed set of push workers sharing one Redis instance can also
// share one error budget.
type ErrorCounter struct {
	counter   *keymap.Counter
	threshold int64
}

// NewErrorCounter wraps counter with a max-error threshold. A threshold
// of 0 disables the guard (no run ever aborts on error count).
func NewErrorCounter(counter *keymap.Counter, threshold int64) *ErrorCounter {
	return &ErrorCounter{counter: counter, threshold: threshold}
}

// RecordError increments the error count and reports whether it has now
// reached the threshold.
func (e *ErrorCounter) RecordError() (exceeded bool, err error) {
	count, err := e.counter.Incr()
	if err != nil {
		return false, err
	}
	if e.threshold <= 0 {
		return false, nil
	}
	return count >= e.threshold, nil
}

// Reset clears the error count, used at the start of a fresh run.
func (e *ErrorCounter) Reset() error {
	return e.counter.Reset()
}
