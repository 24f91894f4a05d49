package domain

import "time"

// HealthStatus orders from best to worst: ok, degraded, error. Readiness
// fails only on error; a degraded optional dependency such as Redis keeps the
// instance in rotation.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

func (s HealthStatus) severity() int {
	switch s {
	case HealthStatusError:
		return 2
	case HealthStatusDegraded:
		return 1
	default:
		return 0
	}
}

// Worse returns whichever of s and other is more severe.
func (s HealthStatus) Worse(other HealthStatus) HealthStatus {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport is what /readyz renders; Status is the worst check.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}
