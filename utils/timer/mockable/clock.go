// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mockable

import "time"

// Clock acts as a thin wrapper around global time that allows for easy
// faking of time during tests.
type Clock struct {
	faked bool
	time  time.Time
}

// Set the time on the clock to [time], entering faked mode.
func (c *Clock) Set(time time.Time) {
	c.faked = true
	c.time = time
}

// Sync returns the clock to using the global time.
func (c *Clock) Sync() {
	c.faked = false
}

func (c *Clock) Time() time.Time {
	if c.faked {
		return c.time
	}
	return time.Now()
}

// UnixTime returns the current time, truncated to the nearest second.
func (c *Clock) UnixTime() time.Time {
	return time.Unix(c.Time().Unix(), 0)
}

func (c *Clock) Unix() int64 {
	return c.Time().Unix()
}
