package debounce

import (
	"strings"
	"sync"
	"time"
)

// Debouncer batches rapid inbound text fragments into a single downstream
// trigger. The callback fires when the quiet period elapses with no new
// fragment, when the max delay since the first buffered fragment is reached,
// or when the buffer hits the max batch size, whichever comes first.
//
// The callback always runs on its own goroutine without the internal lock, so
// fragments for the next batch keep accumulating while the current one is
// being processed.
type Debouncer struct {
	quietPeriod   time.Duration
	maxDelay      time.Duration
	maxBatch      int
	shortMsgChars int
	callback      func(combined string)

	mu         sync.Mutex
	fragments  []string
	generation uint64
	quietTimer *time.Timer
	delayTimer *time.Timer
	stopped    bool
}

func NewDebouncer(quietPeriod, maxDelay time.Duration, maxBatch, shortMsgChars int, callback func(string)) *Debouncer {
	return &Debouncer{
		quietPeriod:   quietPeriod,
		maxDelay:      maxDelay,
		maxBatch:      maxBatch,
		shortMsgChars: shortMsgChars,
		callback:      callback,
	}
}

func (d *Debouncer) Add(fragment string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	d.fragments = append(d.fragments, fragment)
	gen := d.generation

	if len(d.fragments) >= d.maxBatch {
		d.flushLocked()
		return
	}

	if d.quietTimer != nil {
		d.quietTimer.Stop()
	}
	d.quietTimer = time.AfterFunc(d.quietPeriod, func() { d.fire(gen) })

	if len(d.fragments) == 1 {
		d.delayTimer = time.AfterFunc(d.maxDelay, func() { d.fire(gen) })
	}
}

// Stop cancels pending timers. Buffered fragments are dropped.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.generation++
	d.stopTimersLocked()
	d.fragments = nil
}

// fire is invoked by timer callbacks. The generation guard ensures a stale
// timer belonging to an already-flushed batch never triggers twice.
func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || gen != d.generation || len(d.fragments) == 0 {
		return
	}
	d.flushLocked()
}

func (d *Debouncer) flushLocked() {
	combined := d.combine(d.fragments)
	d.fragments = nil
	d.generation++
	d.stopTimersLocked()
	go d.callback(combined)
}

func (d *Debouncer) stopTimersLocked() {
	if d.quietTimer != nil {
		d.quietTimer.Stop()
		d.quietTimer = nil
	}
	if d.delayTimer != nil {
		d.delayTimer.Stop()
		d.delayTimer = nil
	}
}

// combine treats short bursts as successive corrections and keeps only the
// last fragment; longer accumulations are joined in arrival order.
func (d *Debouncer) combine(fragments []string) string {
	total := 0
	for _, f := range fragments {
		total += len(f)
	}
	if total < d.shortMsgChars {
		return fragments[len(fragments)-1]
	}
	return strings.Join(fragments, " ")
}
