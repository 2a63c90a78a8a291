package mqtt

import (
	"sync"
	"time"
)

// DailyTokens counts provider rounds and tokens for the current
// calendar day in loc. Counters start over on the first use after
// midnight. Safe for concurrent use.
type DailyTokens struct {
	loc *time.Location
	now func() time.Time

	mu     sync.Mutex
	day    string
	input  int64
	output int64
	rounds int64
}

// NewDailyTokens returns a counter whose day boundary is midnight in
// loc, or in [time.Local] when loc is nil.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	return &DailyTokens{loc: loc, now: time.Now}
}

// OnTokens adds one provider round.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.rounds++
}

// Snapshot returns today's totals.
func (d *DailyTokens) Snapshot() (input, output, rounds int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	return d.input, d.output, d.rounds
}

// rollover zeroes the counters when the date has changed. Caller holds mu.
func (d *DailyTokens) rollover() {
	today := d.now().In(d.loc).Format(time.DateOnly)
	if today == d.day {
		return
	}
	d.day = today
	d.input, d.output, d.rounds = 0, 0, 0
}
