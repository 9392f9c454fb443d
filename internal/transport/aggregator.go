package transport

import "sync"

// Aggregator collects peer ACK_INSERT outcomes for one request and reports
// back to the Dispatcher once every expected peer has responded or timed
// out. It starts unarmed because the Dispatcher does not know how many
// peer sends will actually be accepted until it has attempted every pool
// buffer (spec §4.4, step 3: "adjust the aggregator's expected count to the
// actual number of successful peer sends") — Resolve may therefore arrive
// before Arm, and is simply counted until Arm supplies the total.
type Aggregator struct {
	mu        sync.Mutex
	armed     bool
	expected  int
	resolved  int
	failed    string // first peer's failure reason; sticky
	done      bool
	onDone    func(firstFailure string)
}

// NewAggregator builds an unarmed aggregator. onDone is invoked exactly
// once, with the empty string on full success or the first peer's failure
// reason otherwise.
func NewAggregator(onDone func(firstFailure string)) *Aggregator {
	return &Aggregator{onDone: onDone}
}

// Arm fixes the number of peer responses to wait for. Call once, after
// every peer send for this request has been attempted. If every expected
// response already arrived (e.g. synchronous sends in tests), onDone fires
// immediately from within Arm.
func (a *Aggregator) Arm(expected int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.armed = true
	a.expected = expected
	a.maybeFireLocked()
}

// Resolve records one peer's outcome. success false records reason as the
// sticky first failure if none has been recorded yet.
func (a *Aggregator) Resolve(success bool, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return
	}
	if !success && a.failed == "" {
		a.failed = reason
	}
	a.resolved++
	a.maybeFireLocked()
}

// Timeout marks one still-outstanding peer as a "missing response" failure.
func (a *Aggregator) Timeout(peerDescription string) {
	a.Resolve(false, "missing response from "+peerDescription)
}

func (a *Aggregator) maybeFireLocked() {
	if a.done || !a.armed || a.resolved < a.expected {
		return
	}
	a.done = true
	a.onDone(a.failed)
}
