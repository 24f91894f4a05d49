package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

func TestDependencyHealthRepositoryCollectSuccess(t *testing.T) {
	checks := []DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return nil }},
		{Name: "redis", Check: func(context.Context) error { return nil }},
	}

	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository(checks, WithDependencyClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestDependencyHealthRepositoryRequiredFailure(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return errors.New("boom") }},
		{Name: "redis", Optional: true, Check: func(context.Context) error { return nil }},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	if got := report.Checks["firestore"].Detail; got != "boom" {
		t.Fatalf("expected detail boom, got %q", got)
	}
}

func TestDependencyHealthRepositoryOptionalDegrades(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return nil }},
		{
			Name:     "redis",
			Optional: true,
			Timeout:  5 * time.Millisecond,
			Check: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded status, got %s", report.Status)
	}
	if got := report.Checks["redis"].Detail; got != "timeout" {
		t.Fatalf("expected timeout detail, got %q", got)
	}
}

func TestNewDependencyHealthRepositoryRejectsUnnamedCheck(t *testing.T) {
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Check: func(context.Context) error { return nil }}}); err == nil {
		t.Fatal("expected error for unnamed check")
	}
}

func TestHealthStatusWorse(t *testing.T) {
	if got := domain.HealthStatusOK.Worse(domain.HealthStatusDegraded); got != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
	if got := domain.HealthStatusError.Worse(domain.HealthStatusDegraded); got != domain.HealthStatusError {
		t.Fatalf("expected error to win, got %s", got)
	}
}
