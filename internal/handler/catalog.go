package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/rapigate/rapigate/internal/command"
	"github.com/rapigate/rapigate/internal/model"
)

// TotalsReader returns gateway-wide counters.
// *repository.CallLogRepository implements it.
type TotalsReader interface {
	Totals(ctx context.Context) (*model.GatewayTotals, error)
}

// SiteInfo identifies the deployment in catalog responses.
type SiteInfo struct {
	Name    string
	Version string
	Creator string
}

// CatalogHandler serves the public discovery endpoints.
type CatalogHandler struct {
	site     SiteInfo
	registry *command.Registry
	totals   TotalsReader
	logger   *slog.Logger
}

// NewCatalogHandler creates a CatalogHandler. totals may be nil.
func NewCatalogHandler(site SiteInfo, registry *command.Registry, totals TotalsReader, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{
		site:     site,
		registry: registry,
		totals:   totals,
		logger:   logger.With("component", "handler.catalog"),
	}
}

// IndexResponse is the landing document.
type IndexResponse struct {
	Status     bool          `json:"status"`
	Name       string        `json:"name"`
	Version    string        `json:"version"`
	Creator    string        `json:"creator"`
	APIs       command.Stats `json:"apis"`
	TotalCalls int64         `json:"total_calls"`
	TotalUsers int64         `json:"total_users"`
}

// Index handles GET /.
func (h *CatalogHandler) Index(w http.ResponseWriter, r *http.Request) {
	resp := IndexResponse{
		Status:  true,
		Name:    h.site.Name,
		Version: h.site.Version,
		Creator: h.site.Creator,
		APIs:    h.registry.Stats(),
	}

	if h.totals != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		// Totals are decorative; the landing page renders without them.
		if totals, err := h.totals.Totals(ctx); err != nil {
			h.logger.Warn("failed to load totals", "error", err)
		} else {
			resp.TotalCalls = totals.TotalCalls
			resp.TotalUsers = totals.TotalUsers
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// CommandInfo describes one command route.
type CommandInfo struct {
	command.Definition
	Path  string `json:"path"`
	Alive bool   `json:"alive"`
}

// CategoryInfo groups commands for the catalog.
type CategoryInfo struct {
	Name     string        `json:"name"`
	Commands []CommandInfo `json:"commands"`
}

// CommandsResponse lists every registered command by category.
type CommandsResponse struct {
	Status     bool           `json:"status"`
	Categories []CategoryInfo `json:"categories"`
	Stats      command.Stats  `json:"stats"`
}

// Commands handles GET /api/commands.
func (h *CatalogHandler) Commands(w http.ResponseWriter, r *http.Request) {
	grouped := h.registry.ByCategory()

	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	categories := make([]CategoryInfo, 0, len(names))
	for _, name := range names {
		entries := grouped[name]
		infos := make([]CommandInfo, 0, len(entries))
		for _, e := range entries {
			infos = append(infos, CommandInfo{Definition: e.Definition, Path: e.Path, Alive: e.Alive()})
		}
		categories = append(categories, CategoryInfo{Name: name, Commands: infos})
	}

	writeJSON(w, http.StatusOK, CommandsResponse{
		Status:     true,
		Categories: categories,
		Stats:      h.registry.Stats(),
	})
}

// PingResponse answers connectivity checks.
type PingResponse struct {
	Pong      bool  `json:"pong"`
	Timestamp int64 `json:"timestamp"`
}

// Ping handles GET /api/ping.
func (h *CatalogHandler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PingResponse{Pong: true, Timestamp: time.Now().UnixMilli()})
}
