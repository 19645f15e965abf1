package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/coordinator"
	"boardsync/domain"
	"boardsync/storage"
)

// headerAuth treats the bearer value as the user ID.
type headerAuth struct{}

func (headerAuth) UserIDFromAuthHeader(h string) (string, error) {
	user, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || user == "" {
		return "", errMissingAuthorization
	}
	return user, nil
}

// stubCoordinator records calls and returns a canned result.
type stubCoordinator struct {
	mu      sync.Mutex
	calls   int
	errs    []error
	callers []domain.Caller
	intents []domain.MoveIntent
}

func (s *stubCoordinator) next(caller domain.Caller) (domain.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.callers = append(s.callers, caller)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return domain.DomainEvent{}, err
		}
	}
	return domain.DomainEvent{ID: "ev", Type: domain.ItemMoved}, nil
}

func (s *stubCoordinator) MoveItem(_ context.Context, intent domain.MoveIntent, caller domain.Caller) (domain.DomainEvent, error) {
	s.mu.Lock()
	s.intents = append(s.intents, intent)
	s.mu.Unlock()
	return s.next(caller)
}

func (s *stubCoordinator) ReorderContainer(_ context.Context, _ domain.ContainerID, _ []domain.ItemID, caller domain.Caller) (domain.DomainEvent, error) {
	return s.next(caller)
}

func (s *stubCoordinator) CreateItem(_ context.Context, _ domain.ContainerID, _ domain.ItemID, caller domain.Caller) (domain.DomainEvent, error) {
	return s.next(caller)
}

func (s *stubCoordinator) DeleteItem(_ context.Context, _ domain.ItemID, caller domain.Caller) (domain.DomainEvent, error) {
	return s.next(caller)
}

type downStore struct{ *storage.MemoryStore }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func seedBoard(t *testing.T) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	for _, c := range []domain.Container{
		{ID: "b1", Kind: domain.ContainerBoard, BoardID: "b1", WorkspaceID: "w1"},
		{ID: "col-a", Kind: domain.ContainerColumn, BoardID: "b1", WorkspaceID: "w1"},
		{ID: "col-b", Kind: domain.ContainerColumn, BoardID: "b1", WorkspaceID: "w1"},
	} {
		if err := s.PutContainer(ctx, c); err != nil {
			t.Fatalf("put container: %v", err)
		}
	}
	for _, it := range []domain.OrderedItem{
		{ID: "col-a", Kind: domain.ItemColumn, ContainerID: "b1", Position: 0},
		{ID: "col-b", Kind: domain.ItemColumn, ContainerID: "b1", Position: 1},
		{ID: "T1", Kind: domain.ItemTask, ContainerID: "col-a", Position: 0},
		{ID: "T2", Kind: domain.ItemTask, ContainerID: "col-a", Position: 1},
		{ID: "T3", Kind: domain.ItemTask, ContainerID: "col-a", Position: 2},
	} {
		if err := s.InsertItem(ctx, it); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.AddBoardMember(ctx, "b1", "alice"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	return s
}

func newEcho(d Deps) *echo.Echo {
	e := echo.New()
	if d.Auth == nil {
		d.Auth = headerAuth{}
	}
	if d.Logger == nil {
		d.Logger, _ = test.NewNullLogger()
	}
	Register(e, d)
	return e
}

func newStoreEcho(t *testing.T) (*echo.Echo, *storage.MemoryStore) {
	t.Helper()
	store := seedBoard(t)
	logger, _ := test.NewNullLogger()
	coord := coordinator.New(coordinator.Config{Store: store, Authorizer: store, Logger: logger})
	return newEcho(Deps{Coordinator: coord, Reader: store, Logger: logger}), store
}

func do(e *echo.Echo, method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func fetchOrder(t *testing.T, e *echo.Echo, container string) []domain.OrderedItem {
	t.Helper()
	rec := do(e, http.MethodGet, "/api/containers/"+container+"/items", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get items: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp itemsResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	return resp.Items
}

func assertOrder(t *testing.T, items []domain.OrderedItem, want ...domain.ItemID) {
	t.Helper()
	if len(items) != len(want) {
		t.Fatalf("expected %v, got %+v", want, items)
	}
	for i, it := range items {
		if it.ID != want[i] || it.Position != i {
			t.Fatalf("position %d: expected %s@%d, got %s@%d", i, want[i], i, it.ID, it.Position)
		}
	}
}

func TestMoveItemWithinContainer(t *testing.T) {
	e, _ := newStoreEcho(t)

	rec := do(e, http.MethodPost, "/api/items/T3/move", "alice", `{"targetContainerId":"col-a","targetIndex":0}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp eventResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Event.Type != domain.ItemMoved {
		t.Fatalf("unexpected event %+v", resp.Event)
	}
	assertOrder(t, fetchOrder(t, e, "col-a"), "T3", "T1", "T2")
}

func TestMoveItemAcrossContainers(t *testing.T) {
	e, _ := newStoreEcho(t)

	rec := do(e, http.MethodPost, "/api/items/T1/move", "alice", `{"targetContainerId":"col-b","targetIndex":5,"sourceContainerId":"col-a"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	assertOrder(t, fetchOrder(t, e, "col-a"), "T2", "T3")
	assertOrder(t, fetchOrder(t, e, "col-b"), "T1")
}

func TestReorderContainer(t *testing.T) {
	e, _ := newStoreEcho(t)

	rec := do(e, http.MethodPut, "/api/containers/b1/order", "alice", `{"order":["col-b","col-a"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	assertOrder(t, fetchOrder(t, e, "b1"), "col-b", "col-a")

	rec = do(e, http.MethodPut, "/api/containers/b1/order", "alice", `{"order":["col-b"]}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a partial order, got %d", rec.Code)
	}
}

func TestCreateAndDeleteItem(t *testing.T) {
	e, _ := newStoreEcho(t)

	rec := do(e, http.MethodPost, "/api/containers/col-b/items", "alice", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodPost, "/api/containers/col-b/items", "alice", `{"id":"T9"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	items := fetchOrder(t, e, "col-b")
	if len(items) != 2 || items[1].ID != "T9" || items[1].Position != 1 {
		t.Fatalf("unexpected items after create: %+v", items)
	}

	rec = do(e, http.MethodDelete, "/api/items/T9", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := fetchOrder(t, e, "col-b"); len(got) != 1 {
		t.Fatalf("expected one item after delete, got %+v", got)
	}
}

func TestRequestErrors(t *testing.T) {
	e, _ := newStoreEcho(t)

	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		status int
	}{
		{"no credentials", http.MethodPost, "/api/items/T1/move", "", `{"targetContainerId":"col-a","targetIndex":0}`, http.StatusUnauthorized},
		{"not a member", http.MethodPost, "/api/items/T1/move", "mallory", `{"targetContainerId":"col-a","targetIndex":0}`, http.StatusForbidden},
		{"unknown item", http.MethodPost, "/api/items/T404/move", "alice", `{"targetContainerId":"col-a","targetIndex":0}`, http.StatusNotFound},
		{"missing index", http.MethodPost, "/api/items/T1/move", "alice", `{"targetContainerId":"col-a"}`, http.StatusBadRequest},
		{"negative index", http.MethodPost, "/api/items/T1/move", "alice", `{"targetContainerId":"col-a","targetIndex":-1}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/items/T1/move", "alice", `{"targetContainerId":"col-a","targetIndex":0,"extra":1}`, http.StatusBadRequest},
		{"wrong kind", http.MethodPost, "/api/items/T1/move", "alice", `{"targetContainerId":"b1","targetIndex":0}`, http.StatusBadRequest},
		{"stale source", http.MethodPost, "/api/items/T1/move", "alice", `{"targetContainerId":"col-b","targetIndex":0,"sourceContainerId":"col-b"}`, http.StatusConflict},
		{"empty order", http.MethodPut, "/api/containers/col-a/order", "alice", `{"order":[]}`, http.StatusBadRequest},
		{"duplicate order", http.MethodPut, "/api/containers/col-a/order", "alice", `{"order":["T1","T1","T2"]}`, http.StatusBadRequest},
		{"items of unknown container", http.MethodGet, "/api/containers/nope/items", "alice", "", http.StatusNotFound},
		{"items of foreign board", http.MethodGet, "/api/containers/col-a/items", "mallory", "", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(e, tc.method, tc.path, tc.user, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
	assertOrder(t, fetchOrder(t, e, "col-a"), "T1", "T2", "T3")
}

func TestBusyIsRetryableConflict(t *testing.T) {
	coord := &stubCoordinator{errs: []error{domain.ErrBusy}}
	e := newEcho(Deps{Coordinator: coord, Reader: seedBoard(t)})

	rec := do(e, http.MethodPost, "/api/items/T1/move", "alice", `{"targetContainerId":"col-a","targetIndex":0}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Retryable {
		t.Fatalf("busy response should be retryable: %+v", resp)
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	coord := &stubCoordinator{errs: []error{errors.New("table service exploded")}}
	e := newEcho(Deps{Coordinator: coord, Reader: seedBoard(t)})

	rec := do(e, http.MethodDelete, "/api/items/T1", "alice", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "exploded") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestConnectionHeaderBecomesOriginator(t *testing.T) {
	coord := &stubCoordinator{}
	e := newEcho(Deps{Coordinator: coord, Reader: seedBoard(t)})

	rec := do(e, http.MethodPost, "/api/items/T1/move", "alice", `{"targetContainerId":"col-b","targetIndex":0,"sourceContainerId":"col-a"}`, headerConnectionID, "conn-7")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if coord.callers[0].ConnectionID != "conn-7" || coord.callers[0].UserID != "alice" {
		t.Fatalf("unexpected caller %+v", coord.callers[0])
	}
	want := domain.MoveIntent{ItemID: "T1", SourceContainerID: "col-a", TargetContainerID: "col-b"}
	if coord.intents[0] != want {
		t.Fatalf("unexpected intent %+v", coord.intents[0])
	}
}

func TestIdempotencyKey(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	coord := &stubCoordinator{errs: []error{domain.ErrBusy}}
	e := newEcho(Deps{Coordinator: coord, Reader: seedBoard(t), Deduper: NewRedisDeduper(client, time.Minute)})
	body := `{"targetContainerId":"col-a","targetIndex":0}`

	if rec := do(e, http.MethodPost, "/api/items/T1/move", "alice", body, headerIdempotencyKey, "k1"); rec.Code != http.StatusConflict {
		t.Fatalf("expected first attempt to fail with 409, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/items/T1/move", "alice", body, headerIdempotencyKey, "k1"); rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "duplicate") {
		t.Fatalf("retry after failure must be applied, got %d %s", rec.Code, rec.Body.String())
	}
	rec := do(e, http.MethodPost, "/api/items/T1/move", "alice", body, headerIdempotencyKey, "k1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	var dup duplicateResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &dup); err != nil || !dup.Duplicate {
		t.Fatalf("expected duplicate response, got %s", rec.Body.String())
	}
	if coord.calls != 2 {
		t.Fatalf("expected coordinator to run twice, ran %d times", coord.calls)
	}
}

func TestGzipEncodedBody(t *testing.T) {
	e, _ := newStoreEcho(t)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"targetContainerId":"col-a","targetIndex":0}`))
	_ = zw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/items/T2/move", &buf)
	req.Header.Set(echo.HeaderAuthorization, "Bearer alice")
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	assertOrder(t, fetchOrder(t, e, "col-a"), "T2", "T1", "T3")

	req = httptest.NewRequest(http.MethodPost, "/api/items/T2/move", strings.NewReader("plain"))
	req.Header.Set(echo.HeaderAuthorization, "Bearer alice")
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid gzip, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	store := seedBoard(t)
	e := newEcho(Deps{Coordinator: &stubCoordinator{}, Reader: store})
	if rec := do(e, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	e = newEcho(Deps{Coordinator: &stubCoordinator{}, Reader: downStore{store}})
	if rec := do(e, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
