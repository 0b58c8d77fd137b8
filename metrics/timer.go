package metrics

import (
	"time"

	"github.com/benbjohnson/clock"
)

type Stopwatch struct {
	client Client
	clock  clock.Clock
	start  time.Time
	name   string
	tags   Tags
}

// Timer starts measuring an operation against the given clock.
func Timer(client Client, clk clock.Clock, name string, tags Tags) *Stopwatch {
	return &Stopwatch{
		client: client,
		clock:  clk,
		start:  clk.Now(),
		name:   name,
		tags:   tags,
	}
}

// Stop sends the elapsed time as a timing metric and returns it.
func (t *Stopwatch) Stop() time.Duration {
	d := t.clock.Since(t.start)
	t.client.Timing(t.name, t.tags, d)

	return d
}
