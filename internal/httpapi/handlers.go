package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/agentworkforce/partsync/internal/contentassist"
	"github.com/agentworkforce/partsync/internal/errx"
	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/prefs"
	"github.com/agentworkforce/partsync/internal/session"
)

var folder = cases.Fold()

type itemsResponse struct {
	Items []inventory.Item `json:"items"`
	Count int              `json:"count"`
}

type addItemsRequest struct {
	Items []inventory.Item `json:"items"`
}

type sellRequest struct {
	Price *float64 `json:"price"`
}

type refreshRequest struct {
	Force *bool `json:"force"`
}

type analyzeRequest struct {
	contentassist.AnalysisRequest
	// Add queues the drafted items for creation.
	Add bool `json:"add"`
}

type analyzeResponse struct {
	Result contentassist.AnalysisResult `json:"result"`
	Items  []inventory.Item             `json:"items"`
	Added  bool                         `json:"added"`
}

type viewModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleListInventory(w http.ResponseWriter, r *http.Request) {
	items := filterItems(s.engine.Snapshot().Active, r, s.catalog())
	writeJSON(w, http.StatusOK, itemsResponse{Items: items, Count: len(items)})
}

func (s *Server) handleListSales(w http.ResponseWriter, r *http.Request) {
	items := filterItems(s.engine.Snapshot().Sales, r, s.catalog())
	writeJSON(w, http.StatusOK, itemsResponse{Items: items, Count: len(items)})
}

// filterItems applies the optional category and q (case-folded name/vehicle
// substring) query filters.
func filterItems(items []inventory.Item, r *http.Request, catalog *inventory.Catalog) []inventory.Item {
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	if category != "" {
		category = catalog.Resolve(category)
	}
	query := folder.String(strings.TrimSpace(r.URL.Query().Get("q")))
	if category == "" && query == "" {
		return items
	}
	out := make([]inventory.Item, 0, len(items))
	for _, it := range items {
		if category != "" && it.Category != category {
			continue
		}
		if query != "" {
			haystack := folder.String(strings.Join([]string{
				it.Name, it.VehicleInfo.Make, it.VehicleInfo.Model, it.VehicleInfo.VIN,
			}, " "))
			if !strings.Contains(haystack, query) {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

func (s *Server) handleAddItems(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req addItemsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "items must not be empty", correlationID)
		return
	}
	added, err := s.engine.AddItems(req.Items)
	if err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, itemsResponse{Items: added, Count: len(added)})
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var req sellRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Price == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "price is required", correlationID)
		return
	}
	if err := s.engine.Sell(id, *req.Price); err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	s.writeAccepted(w, "sell", id, correlationID)
}

func (s *Server) handleDelete(w http.ResponseWriter, id, correlationID string) {
	if err := s.engine.DeleteItem(id); err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	s.writeAccepted(w, "delete", id, correlationID)
}

func (s *Server) handleReturn(w http.ResponseWriter, id, correlationID string) {
	if err := s.engine.ReturnItem(id); err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	s.writeAccepted(w, "return", id, correlationID)
}

func (s *Server) writeAccepted(w http.ResponseWriter, action, id, correlationID string) {
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "queued",
		"action":        action,
		"id":            id,
		"sync":          s.engine.Status(),
		"correlationId": correlationID,
	})
}

func (s *Server) handleSyncPending(w http.ResponseWriter) {
	pending := s.engine.PendingActions()
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": pending,
		"count":   len(pending),
	})
}

func (s *Server) handleSyncRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req refreshRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	force := true
	if req.Force != nil {
		force = *req.Force
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RefreshTimeout)
	defer cancel()
	ran, err := s.engine.Resync(ctx, force)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			err = errx.Upstream(err)
		}
		s.writeAppError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"refreshed": ran,
		"status":    s.engine.Status(),
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request, sess session.Session, correlationID string) {
	var req analyzeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Add && !sess.HasScope(scopeInventoryWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: "+scopeInventoryWrite, correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AssistTimeout)
	defer cancel()
	result, err := s.assistant.AnalyzeImages(ctx, req.AnalysisRequest)
	if err != nil {
		s.writeAppError(w, assistError(err), correlationID)
		return
	}
	resp := analyzeResponse{
		Result: result,
		Items:  result.ToItems(s.catalog(), time.Now().UTC()),
	}
	if req.Add && len(resp.Items) > 0 {
		added, err := s.engine.AddItems(resp.Items)
		if err != nil {
			s.writeAppError(w, err, correlationID)
			return
		}
		resp.Items = added
		resp.Added = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssistText(w http.ResponseWriter, r *http.Request, task, correlationID string) {
	var q contentassist.PartQuery
	if !s.decodeJSONBody(w, r, correlationID, &q) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AssistTimeout)
	defer cancel()

	var text string
	var err error
	switch task {
	case "pricing":
		text, err = s.assistant.PricingInsight(ctx, q)
	case "strategy":
		text, err = s.assistant.SalesStrategy(ctx, q)
	case "ad-copy":
		text, err = s.assistant.AdCopy(ctx, q)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if err != nil {
		s.writeAppError(w, assistError(err), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "text": text})
}

// assistError classifies provider failures as upstream errors while keeping
// input and availability errors intact.
func assistError(err error) error {
	switch {
	case errors.Is(err, inventory.ErrInvalidInput),
		errors.Is(err, contentassist.ErrNoImages),
		errors.Is(err, contentassist.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return errx.Upstream(err)
	}
}

func (s *Server) handleGetViewMode(w http.ResponseWriter, r *http.Request, sess session.Session, correlationID string) {
	mode, err := s.prefs.ViewMode(r.Context(), sess.TenantID)
	if err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}

func (s *Server) handlePutViewMode(w http.ResponseWriter, r *http.Request, sess session.Session, correlationID string) {
	var req viewModeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	mode, err := prefs.ParseViewMode(req.Mode)
	if err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	if err := s.prefs.SetViewMode(r.Context(), sess.TenantID, mode); err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}
