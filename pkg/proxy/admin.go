package proxy

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/lkarlslund/chatbridge/pkg/assets"
	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/logstore"
)

// AdminHandler serves the secret pool management endpoints.
type AdminHandler struct {
	store    *config.ServerConfigStore
	secrets  *credential.Store
	resolver *credential.Resolver
	logs     *logstore.Store
}

func NewAdminHandler(store *config.ServerConfigStore, secrets *credential.Store, resolver *credential.Resolver, logs *logstore.Store) *AdminHandler {
	return &AdminHandler{store: store, secrets: secrets, resolver: resolver, logs: logs}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/tokens", func(tr chi.Router) {
		tr.Use(h.authAdminMiddleware)
		tr.Get("/", h.handleTokens)
		tr.Post("/upload", h.handleUpload)
		tr.Get("/add/{token}", h.handleAdd)
		tr.Post("/clear", h.handleClear)
		tr.Post("/error", h.handleInvalid)
		tr.Post("/refresh", h.handleRefresh)
		tr.Get("/logs", h.handleLogs)
	})
}

func (h *AdminHandler) authAdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !adminAllowed(r, h.store.Snapshot()) {
			writeDetail(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) writeCount(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "tokens_count": h.secrets.Count()})
}

func (h *AdminHandler) handleTokens(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		h.writeCount(w)
		return
	}
	t, err := getTemplates()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Server error")
		return
	}
	page := assets.TokensPage{
		APIPrefix:    h.store.Snapshot().APIPrefix,
		TokensCount:  h.secrets.Count(),
		InvalidCount: len(h.secrets.Invalid()),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, "tokens.html", page); err != nil {
		log.Error("render tokens page", "err", err)
	}
}

func (h *AdminHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeDetail(w, http.StatusBadRequest, "invalid form body")
		return
	}
	text, ok := r.Form["text"]
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "field text is required")
		return
	}
	n, err := h.secrets.AddMany(strings.Join(text, "\n"))
	if err != nil {
		log.Error("append secrets", "err", err)
		writeDetail(w, http.StatusInternalServerError, "Server error")
		return
	}
	log.Info("secrets uploaded", "added", n, "valid", h.secrets.Count(), "invalid", len(h.secrets.Invalid()))
	h.writeCount(w)
}

func (h *AdminHandler) handleAdd(w http.ResponseWriter, r *http.Request) {
	added, err := h.secrets.Add(chi.URLParam(r, "token"))
	if err != nil {
		log.Error("append secret", "err", err)
		writeDetail(w, http.StatusInternalServerError, "Server error")
		return
	}
	log.Info("secret added", "added", added, "valid", h.secrets.Count(), "invalid", len(h.secrets.Invalid()))
	h.writeCount(w)
}

func (h *AdminHandler) handleClear(w http.ResponseWriter, _ *http.Request) {
	if err := h.secrets.Clear(); err != nil {
		log.Error("clear secrets", "err", err)
		writeDetail(w, http.StatusInternalServerError, "Server error")
		return
	}
	log.Info("secrets cleared")
	h.writeCount(w)
}

func (h *AdminHandler) handleInvalid(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "error_tokens": h.secrets.Invalid()})
}

func (h *AdminHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	sum := credential.RefreshAll(r.Context(), h.secrets, h.resolver, force)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "refresh": sum, "tokens_count": h.secrets.Count()})
}

func (h *AdminHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		writeDetail(w, http.StatusNotFound, "Not Found")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries := h.logs.List(logstore.ListFilter{Level: q.Get("level"), Query: q.Get("q"), Limit: limit})
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "entries": entries})
}
