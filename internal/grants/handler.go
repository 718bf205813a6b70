package grants

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/entitle-io/entitle/internal/platform/httpx"
)

// GrantService defines the business contract the HTTP layer needs.
type GrantService interface {
	Put(ctx context.Context, set *Set) error
	Remove(ctx context.Context, principalID string) error
	Get(ctx context.Context, principalID string) (*Set, error)
	GetAllByRoles(ctx context.Context, roles []string) (map[string]*Set, error)
}

// Resyncer hands a validated resynchronization batch to the background
// worker and returns the batch id.
type Resyncer interface {
	EnqueueResync(ctx context.Context, batch []PrincipalGrants) (string, error)
}

// PrincipalGrants is the wire form of one principal's grant set. Each
// resource is a JSON object carrying a type tag next to the resource's own
// fields, e.g. {"type":"application","name":"checkout","environment":"prod"}.
type PrincipalGrants struct {
	Principal string            `json:"principal" validate:"required"`
	Admin     bool              `json:"admin"`
	Resources []json.RawMessage `json:"resources"`
}

// ToSet decodes the wire form through the codec.
func (p PrincipalGrants) ToSet(codec *Codec) (*Set, error) {
	set := NewSet(p.Principal, p.Admin)
	for _, raw := range p.Resources {
		r, err := decodeWireResource(codec, raw)
		if err != nil {
			return nil, err
		}
		set.Add(r)
	}
	return set, nil
}

func decodeWireResource(codec *Codec, raw json.RawMessage) (Resource, error) {
	var head struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	if head.Type == "" || head.Name == "" {
		return nil, errors.New("grants: resource requires type and name")
	}
	return codec.Decode(head.Type, raw)
}

// GrantSetResponse is the wire form of an aggregated grant set, resources
// grouped by type in name order.
type GrantSetResponse struct {
	Principal string                       `json:"principal"`
	Admin     bool                         `json:"admin"`
	Resources map[string][]json.RawMessage `json:"resources"`
}

type putGrantsRequest struct {
	Admin     bool              `json:"admin"`
	Resources []json.RawMessage `json:"resources"`
}

type resyncRequest struct {
	Grants []PrincipalGrants `json:"grants" validate:"required,min=1,dive"`
}

// Handler serves the grants JSON API.
type Handler struct {
	logger   *slog.Logger
	service  GrantService
	codec    *Codec
	resyncer Resyncer
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service GrantService, codec *Codec, resyncer Resyncer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		codec:    codec,
		resyncer: resyncer,
		validate: validator.New(),
	}
}

// MountRoutes registers the grants API.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/grants", h.listGrants)
	r.Get("/grants/{principal}", h.getGrants)
	r.Put("/grants/{principal}", h.putGrants)
	r.Delete("/grants/{principal}", h.deleteGrants)
	r.Post("/resync", h.resync)
}

// listGrants serves the role-filtered aggregation. Without parameters every
// principal is returned; repeated role parameters restrict the result to
// principals granted any of those roles; scope=unrestricted returns only
// the baseline entry.
func (h *Handler) listGrants(w http.ResponseWriter, r *http.Request) {
	var roles []string
	query := r.URL.Query()
	if query.Get("scope") == "unrestricted" {
		roles = []string{}
	} else if values, ok := query["role"]; ok {
		roles = normalizeRoles(values)
	}

	result, err := h.service.GetAllByRoles(r.Context(), roles)
	if err != nil {
		h.serverError(w, "aggregate grants", err)
		return
	}

	resp := make(map[string]GrantSetResponse, len(result))
	for id, set := range result {
		out, err := h.setResponse(set)
		if err != nil {
			h.serverError(w, "encode grants", err)
			return
		}
		resp[id] = out
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) getGrants(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	set, err := h.service.Get(r.Context(), principal)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown principal")
			return
		}
		h.serverError(w, "aggregate grants", err)
		return
	}
	resp, err := h.setResponse(set)
	if err != nil {
		h.serverError(w, "encode grants", err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) putGrants(w http.ResponseWriter, r *http.Request) {
	var req putGrantsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	input := PrincipalGrants{
		Principal: chi.URLParam(r, "principal"),
		Admin:     req.Admin,
		Resources: req.Resources,
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	set, err := input.ToSet(h.codec)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Resource", err.Error())
		return
	}
	if err := h.service.Put(r.Context(), set); err != nil {
		h.serverError(w, "replace grants", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteGrants(w http.ResponseWriter, r *http.Request) {
	principal := chi.URLParam(r, "principal")
	if err := h.service.Remove(r.Context(), principal); err != nil {
		h.serverError(w, "remove grants", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resync validates a complete grant universe and hands it to the worker.
// The batch is applied asynchronously; the response only acknowledges
// acceptance.
func (h *Handler) resync(w http.ResponseWriter, r *http.Request) {
	if h.resyncer == nil {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}
	var req resyncRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	for _, entry := range req.Grants {
		if _, err := entry.ToSet(h.codec); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Resource", err.Error())
			return
		}
	}
	batchID, err := h.resyncer.EnqueueResync(r.Context(), req.Grants)
	if err != nil {
		h.serverError(w, "enqueue resync", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID})
}

func (h *Handler) setResponse(set *Set) (GrantSetResponse, error) {
	resp := GrantSetResponse{
		Principal: set.PrincipalID,
		Admin:     set.Admin,
		Resources: map[string][]json.RawMessage{},
	}
	for _, typ := range set.Types() {
		for _, name := range set.Names(typ) {
			body, err := h.codec.Encode(set.Resources[typ][name])
			if err != nil {
				return GrantSetResponse{}, err
			}
			resp.Resources[typ] = append(resp.Resources[typ], body)
		}
	}
	return resp, nil
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

func normalizeRoles(values []string) []string {
	seen := map[string]struct{}{}
	roles := []string{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		roles = append(roles, v)
	}
	return roles
}
