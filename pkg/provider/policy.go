package provider

import "time"

// StalePolicy decides what happens to a RUNNING task that overran its time budget.
type StalePolicy int

const (
	// StaleRecover returns the task to PENDING so any node can claim it again.
	StaleRecover StalePolicy = iota
	// StaleFail finishes the task without running it again.
	StaleFail
)

func (p StalePolicy) String() string {
	if p == StaleFail {
		return "fail"
	}
	return "recover"
}

// ParseStalePolicy maps "recover" and "fail" to a policy. Anything else recovers.
func ParseStalePolicy(s string) StalePolicy {
	if s == "fail" {
		return StaleFail
	}
	return StaleRecover
}

const (
	// DefaultFinishedRetention keeps FINISHED rows long enough for the
	// maintenance loop to observe scheduled tasks that lost their successor.
	DefaultFinishedRetention = time.Minute

	// BodyPartitions is the number of body partitions used by SQL backends.
	BodyPartitions = 4
)

// Settings are the policy knobs shared by every backend.
type Settings struct {
	StalePolicy       StalePolicy
	FinishedRetention time.Duration
}

// DefaultSettings returns the settings used when a backend is not configured otherwise.
func DefaultSettings() Settings {
	return Settings{
		StalePolicy:       StaleRecover,
		FinishedRetention: DefaultFinishedRetention,
	}
}

// PartitionFor returns the body partition of a task id.
func PartitionFor(id int64) int64 {
	return id % BodyPartitions
}

// NextDelay returns how long a scheduled successor must wait when its
// predecessor finished at finishedAt and now is the current time.
func NextDelay(interval time.Duration, finishedAt, now time.Time) time.Duration {
	if finishedAt.IsZero() {
		return interval
	}
	return max(interval-now.Sub(finishedAt), 0)
}
