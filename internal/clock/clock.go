package clock

import "time"

// Clock abstracts wall time so ledger math and job scheduling are testable.
type Clock interface {
	Now() time.Time
	NowUTC() time.Time
}

type realClock struct{}

func New() Clock { return realClock{} }

func (realClock) Now() time.Time    { return time.Now() }
func (realClock) NowUTC() time.Time { return time.Now().UTC() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	Current time.Time
}

func NewFake(t time.Time) *Fake { return &Fake{Current: t} }

func (f *Fake) Now() time.Time    { return f.Current }
func (f *Fake) NowUTC() time.Time { return f.Current.UTC() }

func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }

// MonthStart returns the first instant of the UTC month containing t.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// DayKey returns the UTC day of t in YYYY-MM-DD form, used for idempotency keys.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
