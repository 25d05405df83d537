package chrono

import "time"

type API interface {
	Now() time.Time
}

// StandardImpl is the wall clock in the local timezone.
type StandardImpl struct{}

func (StandardImpl) Now() time.Time {
	return time.Now()
}

// Fixed always returns the same instant, for tests.
type Fixed time.Time

func (f Fixed) Now() time.Time {
	return time.Time(f)
}
