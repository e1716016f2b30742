package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/campusgate/pkg/auth"
	"github.com/platinummonkey/campusgate/pkg/contextkeys"
	"github.com/platinummonkey/campusgate/pkg/httputil"
)

// Store is the read and write side of the audit trail
type Store interface {
	Logger
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)
	Get(ctx context.Context, id int64) (*Event, error)
	Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error)
}

// Handlers provides HTTP handlers for audit log API
type Handlers struct {
	store Store
}

// NewHandlers creates new audit handlers
func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers audit log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/events", h.listEvents).Methods("GET")
	router.HandleFunc("/audit/events/{id}", h.getEvent).Methods("GET")
	router.HandleFunc("/audit/export", h.exportEvents).Methods("GET")
}

// listEvents handles GET /audit/events
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if !h.scope(w, r, &filter) {
		return
	}

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	if events == nil {
		events = []*Event{}
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// getEvent handles GET /audit/events/{id}
func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var filter SearchFilter
	if !h.scope(w, r, &filter) {
		return
	}

	event, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrEventNotFound) {
		httputil.WriteNotFound(w, "event not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}

	// events of other tenants are reported as missing
	if filter.TenantID != nil && (event.TenantID == nil || *event.TenantID != *filter.TenantID) {
		httputil.WriteNotFound(w, "event not found")
		return
	}

	httputil.WriteSuccess(w, event)
}

// exportEvents handles GET /audit/export
func (h *Handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := h.parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if !h.scope(w, r, &filter) {
		return
	}

	format := ExportFormat(httputil.ParseQueryString(r, "format", string(ExportFormatJSON)))
	var contentType, ext string
	switch format {
	case ExportFormatJSON:
		contentType, ext = "application/json", "json"
	case ExportFormatNDJSON:
		contentType, ext = "application/x-ndjson", "ndjson"
	case ExportFormatCSV:
		contentType, ext = "text/csv", "csv"
	default:
		httputil.WriteBadRequest(w, "format must be one of json, csv, ndjson")
		return
	}

	data, err := h.store.Export(r.Context(), filter, format)
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}

	filename := fmt.Sprintf("audit-logs-%s.%s", time.Now().UTC().Format("20060102-150405"), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// scope pins non-superusers to their own tenant. It writes the response and
// returns false when the caller may not read the trail at all.
func (h *Handlers) scope(w http.ResponseWriter, r *http.Request, filter *SearchFilter) bool {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if user.IsSuperuser {
		return true
	}

	tenantID := user.TenantID
	if tenantID == nil {
		if id, err := uuid.Parse(contextkeys.GetTenantID(r.Context())); err == nil {
			tenantID = &id
		}
	}
	if tenantID == nil {
		httputil.WriteErrorMessage(w, http.StatusForbidden, "tenant context required")
		return false
	}
	filter.TenantID = tenantID
	return true
}

func (h *Handlers) parseFilter(r *http.Request) (SearchFilter, error) {
	query := r.URL.Query()
	filter := SearchFilter{
		Status:    Status(query.Get("status")),
		ModelName: query.Get("model_name"),
		ObjectID:  query.Get("object_id"),
	}

	if v := query.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid start_time: %w", err)
		}
		filter.StartTime = &t
	}
	if v := query.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid end_time: %w", err)
		}
		filter.EndTime = &t
	}
	if v := query.Get("tenant_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, fmt.Errorf("invalid tenant_id: %w", err)
		}
		filter.TenantID = &id
	}
	if v := query.Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, fmt.Errorf("invalid user_id: %w", err)
		}
		filter.UserID = &id
	}
	for _, a := range parseCommaSeparated(query.Get("actions")) {
		filter.Actions = append(filter.Actions, Action(a))
	}

	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid limit")
		}
		filter.Limit = n
	}
	if filter.Limit == 0 {
		filter.Limit = 100
	}
	if v := query.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid offset")
		}
		filter.Offset = n
	}

	return filter, nil
}

func parseCommaSeparated(s string) []string {
	if s == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
