package core

import "time"

// Clock supplies the as-of date. Engine code never reads the wall clock directly.
type Clock interface {
	Today() Date
}

// SystemClock reads the wall clock in a fixed location.
type SystemClock struct {
	Location *time.Location
}

func (c SystemClock) Today() Date {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(time.Now().In(loc))
}

// FixedClock always returns the same day.
type FixedClock struct {
	Day Date
}

func (c FixedClock) Today() Date { return c.Day }
