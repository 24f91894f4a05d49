package storage

import (
	"fmt"
	"strings"
	"time"
)

// SnapshotKind distinguishes the moments an order is archived.
type SnapshotKind string

const (
	SnapshotCreated SnapshotKind = "created"
	SnapshotClosed  SnapshotKind = "closed"
)

// SnapshotPath returns orders/{yyyy}/{mm}/{orderId}/{kind}-{status}.json. The date partition comes
// from the order creation time so every snapshot of one order shares a prefix.
func SnapshotPath(orderID string, createdAt time.Time, kind SnapshotKind, status string) (string, error) {
	id, err := validateSegment("orderID", orderID)
	if err != nil {
		return "", err
	}
	if kind != SnapshotCreated && kind != SnapshotClosed {
		return "", fmt.Errorf("storage: unsupported snapshot kind %q", kind)
	}
	status, err = validateSegment("status", status)
	if err != nil {
		return "", err
	}
	if createdAt.IsZero() {
		return "", fmt.Errorf("storage: order creation time is required")
	}
	created := createdAt.UTC()
	return fmt.Sprintf("orders/%04d/%02d/%s/%s-%s.json", created.Year(), int(created.Month()), id, kind, status), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", name)
	case strings.ContainsAny(value, "/\\"):
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
