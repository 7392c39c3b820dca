// Package instance maintains the cluster liveness record: one row per
// server instance, created on start, refreshed on an interval, finalized on
// stop so peers can tell a crash from a graceful exit.
package instance

import (
	"os"
	"runtime"
	"time"
)

// livenessFactor scales the check-in interval into the window after which a
// live row without a fresh check-in counts as dead.
const livenessFactor = 3

// Runtime describes the process serving an instance.
type Runtime struct {
	Hostname string    `json:"hostname"`
	PID      int       `json:"pid"`
	Go       string    `json:"go"`
	OS       string    `json:"os"`
	Arch     string    `json:"arch"`
	Version  string    `json:"version"`
	Started  time.Time `json:"started"`
}

// Info is the static identity of a running instance.
type Info struct {
	ID         string   `json:"id"`
	Components []string `json:"components"`
	Runtime    Runtime  `json:"runtimeInfo"`
}

// Record is the persisted liveness row.
type Record struct {
	ID         string    `json:"id"`
	Components []string  `json:"components"`
	Runtime    Runtime   `json:"runtimeInfo"`
	Live       bool      `json:"live"`
	CheckIn    time.Time `json:"checkInTime"`
	StopReason string    `json:"stopReason,omitempty"`
}

// Collect composes the instance info for this process.
func Collect(id, version string, components []string, started time.Time) Info {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return Info{
		ID:         id,
		Components: components,
		Runtime: Runtime{
			Hostname: hostname,
			PID:      os.Getpid(),
			Go:       runtime.Version(),
			OS:       runtime.GOOS,
			Arch:     runtime.GOARCH,
			Version:  version,
			Started:  started,
		},
	}
}

// Dead reports whether a record's owner should be treated as gone: either it
// stopped cleanly, or it is marked live but has missed enough check-ins.
func Dead(rec Record, now time.Time, checkIn time.Duration) bool {
	if !rec.Live {
		return true
	}
	return now.Sub(rec.CheckIn) > livenessFactor*checkIn
}
