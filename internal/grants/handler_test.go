package grants

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	_ "github.com/entitle-io/entitle/testing"
)

type stubGrantService struct {
	putSets  []*Set
	putErr   error
	removed  []string
	getSet   *Set
	getErr   error
	all      map[string]*Set
	allErr   error
	gotRoles []string
	rolesNil bool
}

func (s *stubGrantService) Put(ctx context.Context, set *Set) error {
	s.putSets = append(s.putSets, set)
	return s.putErr
}

func (s *stubGrantService) Remove(ctx context.Context, principalID string) error {
	s.removed = append(s.removed, principalID)
	return nil
}

func (s *stubGrantService) Get(ctx context.Context, principalID string) (*Set, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.getSet, nil
}

func (s *stubGrantService) GetAllByRoles(ctx context.Context, roles []string) (map[string]*Set, error) {
	s.gotRoles = roles
	s.rolesNil = roles == nil
	if s.allErr != nil {
		return nil, s.allErr
	}
	if s.all != nil {
		return s.all, nil
	}
	return map[string]*Set{}, nil
}

type stubResyncer struct {
	batch   []PrincipalGrants
	batchID string
	err     error
}

func (s *stubResyncer) EnqueueResync(ctx context.Context, batch []PrincipalGrants) (string, error) {
	s.batch = batch
	if s.err != nil {
		return "", s.err
	}
	return s.batchID, nil
}

func newGrantsRouter(service *stubGrantService, resyncer Resyncer) chi.Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, service, DefaultCodec(), resyncer)
	router := chi.NewRouter()
	handler.MountRoutes(router)
	return router
}

func TestPutGrantsDecodesAndStores(t *testing.T) {
	service := &stubGrantService{}
	router := newGrantsRouter(service, nil)

	body := `{"admin":true,"resources":[{"type":"application","name":"checkout","environment":"prod"},{"type":"role","name":"deployer"}]}`
	req := httptest.NewRequest(http.MethodPut, "/grants/svc-a", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(service.putSets) != 1 {
		t.Fatalf("expected one stored set, got %d", len(service.putSets))
	}
	set := service.putSets[0]
	if set.PrincipalID != "svc-a" || !set.Admin {
		t.Fatalf("unexpected set header: %q admin=%v", set.PrincipalID, set.Admin)
	}
	app, ok := set.Resources[TypeApplication]["checkout"].(Application)
	if !ok {
		t.Fatalf("expected decoded application, got %T", set.Resources[TypeApplication]["checkout"])
	}
	if app.Environment != "prod" {
		t.Fatalf("expected environment prod, got %q", app.Environment)
	}
	if !set.Has(TypeRole, "deployer") {
		t.Fatalf("expected role deployer in stored set")
	}
}

func TestPutGrantsRejectsMalformedJSON(t *testing.T) {
	service := &stubGrantService{}
	router := newGrantsRouter(service, nil)

	req := httptest.NewRequest(http.MethodPut, "/grants/svc-a", strings.NewReader(`{"admin":`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(service.putSets) != 0 {
		t.Fatalf("service must not be called on malformed input")
	}
}

func TestPutGrantsRejectsUnknownResourceType(t *testing.T) {
	service := &stubGrantService{}
	router := newGrantsRouter(service, nil)

	body := `{"resources":[{"type":"cluster","name":"primary"}]}`
	req := httptest.NewRequest(http.MethodPut, "/grants/svc-a", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestPutGrantsRejectsUntaggedResource(t *testing.T) {
	service := &stubGrantService{}
	router := newGrantsRouter(service, nil)

	body := `{"resources":[{"name":"checkout"}]}`
	req := httptest.NewRequest(http.MethodPut, "/grants/svc-a", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestPutGrantsReportsStorageFailure(t *testing.T) {
	service := &stubGrantService{putErr: errors.New("pool exhausted")}
	router := newGrantsRouter(service, nil)

	body := `{"resources":[{"type":"role","name":"ops"}]}`
	req := httptest.NewRequest(http.MethodPut, "/grants/svc-a", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Internal Error") {
		t.Fatalf("expected problem body, got %s", rr.Body.String())
	}
}

func TestGetGrantsGroupsResourcesByType(t *testing.T) {
	service := &stubGrantService{
		getSet: NewSet("svc-a", true,
			Application{Name: "checkout", Environment: "prod"},
			Role{Name: "deployer"},
		),
	}
	router := newGrantsRouter(service, nil)

	req := httptest.NewRequest(http.MethodGet, "/grants/svc-a", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp GrantSetResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Principal != "svc-a" || !resp.Admin {
		t.Fatalf("unexpected header: %q admin=%v", resp.Principal, resp.Admin)
	}
	if len(resp.Resources[TypeApplication]) != 1 || len(resp.Resources[TypeRole]) != 1 {
		t.Fatalf("unexpected resource grouping: %v", resp.Resources)
	}
	var app Application
	if err := json.Unmarshal(resp.Resources[TypeApplication][0], &app); err != nil {
		t.Fatalf("decode application body: %v", err)
	}
	if app.Name != "checkout" || app.Environment != "prod" {
		t.Fatalf("unexpected application body: %+v", app)
	}
}

func TestGetGrantsUnknownPrincipal(t *testing.T) {
	service := &stubGrantService{getErr: ErrNotFound}
	router := newGrantsRouter(service, nil)

	req := httptest.NewRequest(http.MethodGet, "/grants/ghost", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDeleteGrantsRemovesPrincipal(t *testing.T) {
	service := &stubGrantService{}
	router := newGrantsRouter(service, nil)

	req := httptest.NewRequest(http.MethodDelete, "/grants/svc-a", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if !reflect.DeepEqual(service.removed, []string{"svc-a"}) {
		t.Fatalf("expected svc-a removed, got %v", service.removed)
	}
}

func TestListGrantsDefaultsToAllPrincipals(t *testing.T) {
	service := &stubGrantService{
		all: map[string]*Set{
			Everyone: NewSet(Everyone, false),
			"svc-a":  NewSet("svc-a", false, Role{Name: "ops"}),
		},
	}
	router := newGrantsRouter(service, nil)

	req := httptest.NewRequest(http.MethodGet, "/grants", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !service.rolesNil {
		t.Fatalf("expected nil role filter for unfiltered listing, got %v", service.gotRoles)
	}
	var resp map[string]GrantSetResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected two principals, got %d", len(resp))
	}
	if _, ok := resp[Everyone]; !ok {
		t.Fatalf("expected %s entry in listing", Everyone)
	}
}

func TestListGrantsUnrestrictedScope(t *testing.T) {
	service := &stubGrantService{}
	router := newGrantsRouter(service, nil)

	req := httptest.NewRequest(http.MethodGet, "/grants?scope=unrestricted", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if service.rolesNil {
		t.Fatalf("expected empty role filter, got nil")
	}
	if len(service.gotRoles) != 0 {
		t.Fatalf("expected no roles, got %v", service.gotRoles)
	}
}

func TestListGrantsDeduplicatesRoleParams(t *testing.T) {
	service := &stubGrantService{}
	router := newGrantsRouter(service, nil)

	req := httptest.NewRequest(http.MethodGet, "/grants?role=deployer&role=deployer&role=%20&role=ops", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !reflect.DeepEqual(service.gotRoles, []string{"deployer", "ops"}) {
		t.Fatalf("expected deduped roles, got %v", service.gotRoles)
	}
}

func TestListGrantsReportsAggregateFailure(t *testing.T) {
	service := &stubGrantService{allErr: errors.New("connection reset")}
	router := newGrantsRouter(service, nil)

	req := httptest.NewRequest(http.MethodGet, "/grants", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestResyncAcceptsBatch(t *testing.T) {
	service := &stubGrantService{}
	resyncer := &stubResyncer{batchID: "batch-123"}
	router := newGrantsRouter(service, resyncer)

	body := `{"grants":[{"principal":"svc-a","resources":[{"type":"role","name":"ops"}]},{"principal":"svc-b","admin":true}]}`
	req := httptest.NewRequest(http.MethodPost, "/resync", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["batch_id"] != "batch-123" {
		t.Fatalf("expected batch id in response, got %v", resp)
	}
	if len(resyncer.batch) != 2 || resyncer.batch[0].Principal != "svc-a" {
		t.Fatalf("unexpected enqueued batch: %+v", resyncer.batch)
	}
}

func TestResyncRejectsEmptyBatch(t *testing.T) {
	service := &stubGrantService{}
	resyncer := &stubResyncer{batchID: "batch-123"}
	router := newGrantsRouter(service, resyncer)

	req := httptest.NewRequest(http.MethodPost, "/resync", strings.NewReader(`{"grants":[]}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if resyncer.batch != nil {
		t.Fatalf("empty batch must not be enqueued")
	}
}

func TestResyncRejectsUndecodableResource(t *testing.T) {
	service := &stubGrantService{}
	resyncer := &stubResyncer{batchID: "batch-123"}
	router := newGrantsRouter(service, resyncer)

	body := `{"grants":[{"principal":"svc-a","resources":[{"type":"cluster","name":"primary"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/resync", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if resyncer.batch != nil {
		t.Fatalf("undecodable batch must not be enqueued")
	}
}

func TestResyncWithoutWorkerReturnsNotImplemented(t *testing.T) {
	service := &stubGrantService{}
	router := newGrantsRouter(service, nil)

	body := `{"grants":[{"principal":"svc-a"}]}`
	req := httptest.NewRequest(http.MethodPost, "/resync", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rr.Code)
	}
}
