// Package estimate derives a wait time for tasks still awaiting dispatch when
// the backend did not supply one.
package estimate

import (
	"fmt"
	"math"
	"time"

	"github.com/nadmax/queuewatch/internal/capacity"
	"github.com/nadmax/queuewatch/internal/task"
)

const (
	DefaultServers      = 2
	DefaultMaxPerServer = 2

	// AverageTaskDuration is a fixed assumption, not measured from task history.
	AverageTaskDuration = 300 * time.Second

	// UndefinedSentinel is what the backend sends when it has no estimate.
	UndefinedSentinel = "undefined"
)

// Estimate returns how long a task at queuePosition is expected to wait given
// the reachable servers in snap. Positions <= 0 yield zero.
func Estimate(queuePosition int, snap capacity.Snapshot) time.Duration {
	if queuePosition <= 0 {
		return 0
	}

	numServers := snap.Servers()
	if numServers == 0 {
		numServers = DefaultServers
	}

	maxPerServer, ok := snap.MaxPerServer(DefaultMaxPerServer)
	if !ok {
		maxPerServer = DefaultMaxPerServer
	}

	throughput := numServers * maxPerServer
	if throughput < 1 {
		throughput = 1
	}

	return time.Duration(int64(queuePosition) * int64(AverageTaskDuration) / int64(throughput))
}

// Format renders d with three tiers: rounded seconds under a minute, rounded
// minutes under an hour, otherwise floored hours and remaining minutes.
func Format(d time.Duration) string {
	seconds := d.Seconds()
	if seconds < 0 {
		seconds = 0
	}

	switch {
	case seconds < 60:
		return plural(int(math.Round(seconds)), "second")
	case seconds < 3600:
		return plural(int(math.Round(seconds/60)), "minute")
	default:
		hours := int(math.Floor(seconds / 3600))
		minutes := int(math.Floor(math.Mod(seconds, 3600) / 60))
		return fmt.Sprintf("%d h %d min", hours, minutes)
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// NeedsEstimate reports whether the local estimator should replace the
// backend's value for t.
func NeedsEstimate(t task.Task) bool {
	if !t.HasQueuePosition() {
		return false
	}
	return t.EstimatedWaitTime == "" || t.EstimatedWaitTime == UndefinedSentinel
}

// WaitTime returns the wait text to display for t: the backend value verbatim
// when present, a local estimate when missing, or "" without a positive queue position.
func WaitTime(t task.Task, snap capacity.Snapshot) (text string, estimated time.Duration, local bool) {
	if !NeedsEstimate(t) {
		if !t.HasQueuePosition() {
			return "", 0, false
		}
		return t.EstimatedWaitTime, 0, false
	}

	estimated = Estimate(*t.QueuePosition, snap)
	return Format(estimated), estimated, true
}
