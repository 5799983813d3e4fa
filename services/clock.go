package services

import "time"

// Clock abstracts "now" so deadline and bucket math is testable. The policy
// engine's hours-until-start input comes from here.
type Clock interface {
	Now() time.Time
	HoursUntil(t time.Time) float64
}

type realClock struct{}

// NewClock returns the wall clock
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) HoursUntil(t time.Time) float64 {
	return time.Until(t).Hours()
}
