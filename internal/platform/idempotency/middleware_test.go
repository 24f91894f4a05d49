package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hanko-field/checkout/internal/platform/auth"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

const transitionPath = "/api/v1/admin/orders/ord_1:transition"

func transitionRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, transitionPath, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	ctx := auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}})
	return req.WithContext(ctx)
}

func TestMiddleware_MissingHeader(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be invoked without a key")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, transitionRequest("", `{"status":"processing"}`))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"processing"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, transitionRequest("k-1", `{"status":"processing"}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, transitionRequest("k-1", `{"status":"processing"}`))

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if second.Code != http.StatusOK || second.Body.String() != first.Body.String() {
		t.Fatalf("expected replayed response, got %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected stored headers to be replayed")
	}
}

func TestMiddleware_KeyReusedWithDifferentBody(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), transitionRequest("k-2", `{"status":"processing"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, transitionRequest("k-2", `{"status":"cancelled"}`))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddleware_PendingReservationReturnsConflict(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be invoked while the key is held")
	}))

	req := transitionRequest("k-3", `{"status":"processing"}`)
	body, _ := readAndReplayBody(req)
	fingerprint := requestFingerprint(req, body, "staff-1")
	if _, err := store.Reserve(context.Background(), "k-3|staff-1", fingerprint, fixedTime, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddleware_ServerErrorsAreNotStored(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, transitionRequest("k-4", `{}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, transitionRequest("k-4", `{}`))

	if first.Code != http.StatusServiceUnavailable || second.Code != http.StatusOK || calls != 2 {
		t.Fatalf("expected retry after 503, got %d then %d (%d calls)", first.Code, second.Code, calls)
	}
}

func TestMiddleware_SaveFailureReleasesReservation(t *testing.T) {
	store := &stubStore{failSave: true}
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, transitionRequest("k-5", `{}`))

	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("expected handler response to reach the client, got %d %q", rr.Code, rr.Body.String())
	}
	if !store.released {
		t.Fatalf("expected reservation to be released")
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.Reserve(ctx, "a", "fp", fixedTime, time.Minute)
	_, _ = store.Reserve(ctx, "b", "fp", fixedTime, time.Hour)

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(2*time.Minute), 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired record removed, got %d %v", removed, err)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(client, "test")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	res, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %+v %v", res, err)
	}
	res, err = store.Reserve(ctx, "k", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %+v %v", res, err)
	}
	if _, err := store.Reserve(ctx, "k", "other", fixedTime, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	resp := Response{Status: http.StatusOK, Headers: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{}`)}
	if err := store.SaveResponse(ctx, "k", "fp", resp, fixedTime, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err = store.Reserve(ctx, "k", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStateCompleted || string(res.Record.ResponseBody) != `{}` {
		t.Fatalf("expected completed reservation, got %+v %v", res, err)
	}

	if err := store.Release(ctx, "k", "fp"); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, _ = store.Reserve(ctx, "k", "fp", fixedTime, time.Hour)
	if res.State != ReservationStateNew {
		t.Fatalf("expected key to be free after release")
	}
}

type stubStore struct {
	failSave bool
	released bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	return nil
}

func (s *stubStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorResponse(t *testing.T, payload []byte, expected string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}

func TestMiddleware_OptionalKeyPassesThrough(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	handler := Middleware(store, WithOptionalKey())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, transitionRequest("", `{"status":"processing"}`))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201 without a key, got %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected unkeyed requests to run every time, got %d", calls)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, transitionRequest("k-opt", `{"status":"processing"}`))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, transitionRequest("k-opt", `{"status":"processing"}`))
	if calls != 3 {
		t.Fatalf("expected keyed retry to replay, got %d calls", calls)
	}
}
