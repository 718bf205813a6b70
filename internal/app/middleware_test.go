package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func protectedHandler() http.Handler {
	return BearerAuth("sekrit")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestBearerAuthAcceptsMatchingToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/grants", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rr := httptest.NewRecorder()
	protectedHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestBearerAuthRejectsWrongToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/grants", nil)
	req.Header.Set("Authorization", "Bearer guess")
	rr := httptest.NewRecorder()
	protectedHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestBearerAuthRejectsMissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/grants", nil)
	rr := httptest.NewRecorder()
	protectedHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestBearerAuthRejectsOtherSchemes(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/grants", nil)
	req.Header.Set("Authorization", "Basic c2Vrcml0")
	rr := httptest.NewRecorder()
	protectedHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
