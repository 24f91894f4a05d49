package storage

import (
	"strings"
	"testing"
	"time"
)

func TestSnapshotPath(t *testing.T) {
	created := time.Date(2025, time.March, 9, 23, 30, 0, 0, time.FixedZone("JST", 9*3600))

	got, err := SnapshotPath("ord_01", created, SnapshotCreated, "pending")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "orders/2025/03/ord_01/created-pending.json"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	got, err = SnapshotPath(" ord_01 ", created, SnapshotClosed, "delivered")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "orders/2025/03/ord_01/closed-delivered.json"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSnapshotPathRejectsBadInput(t *testing.T) {
	created := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		orderID string
		created time.Time
		kind    SnapshotKind
		status  string
		want    string
	}{
		{name: "missing id", orderID: "", created: created, kind: SnapshotCreated, status: "pending", want: "orderID is required"},
		{name: "slash", orderID: "a/b", created: created, kind: SnapshotCreated, status: "pending", want: "invalid path characters"},
		{name: "traversal", orderID: "..x", created: created, kind: SnapshotCreated, status: "pending", want: "traversal"},
		{name: "kind", orderID: "ord", created: created, kind: "draft", status: "pending", want: "unsupported snapshot kind"},
		{name: "status", orderID: "ord", created: created, kind: SnapshotClosed, status: " ", want: "status is required"},
		{name: "zero time", orderID: "ord", kind: SnapshotCreated, status: "pending", want: "creation time"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := SnapshotPath(tc.orderID, tc.created, tc.kind, tc.status)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
