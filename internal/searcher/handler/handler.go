// Package handler serves the global search API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/backend"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/global"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/mailbox"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/middleware"
)

// PrincipalHeader carries the authenticated caller, set by the fronting
// auth proxy.
const PrincipalHeader = "X-Principal-ID"

// Verifier checks the stored postings of one mailbox.
type Verifier interface {
	Verify(ctx context.Context, account uuid.UUID) (mailbox.VerifyReport, error)
}

type Handler struct {
	searcher backend.Searcher
	cache    *cache.QueryCache
	verifier Verifier
	analyzer tokenizer.Analyzer
	cfg      config.SearchConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New builds a Handler. queryCache and verifier may be nil.
func New(s backend.Searcher, queryCache *cache.QueryCache, verifier Verifier, cfg config.SearchConfig, m *metrics.Metrics) *Handler {
	if cfg.DefaultField == "" {
		cfg.DefaultField = mailbox.FieldContent
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	return &Handler{
		searcher: s,
		cache:    queryCache,
		verifier: verifier,
		analyzer: mailbox.NewAnalyzer(),
		cfg:      cfg,
		metrics:  m,
		logger:   logger.WithComponent("search-handler"),
	}
}

// Routes registers the API on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/mailboxes/{account}/verify", h.Verify)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

type searchHit struct {
	ID       string    `json:"id"`
	Account  string    `json:"accountId"`
	Item     uint32    `json:"itemId"`
	Score    float64   `json:"score"`
	Type     string    `json:"type"`
	Folder   uint32    `json:"folderId"`
	Subject  string    `json:"subject,omitempty"`
	Filename string    `json:"filename,omitempty"`
	Creator  string    `json:"creator,omitempty"`
	MimeType string    `json:"mimeType,omitempty"`
	Fragment string    `json:"fragment,omitempty"`
	Date     time.Time `json:"date"`
	Size     int64     `json:"size"`
}

type searchResponse struct {
	Query     string      `json:"query"`
	Returned  int         `json:"returned"`
	CacheHit  bool        `json:"cacheHit"`
	LatencyMs int64       `json:"latencyMs"`
	RequestID string      `json:"requestId,omitempty"`
	Results   []searchHit `json:"results"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	principal := r.Header.Get(PrincipalHeader)
	if principal == "" {
		h.writeError(w, http.StatusUnauthorized, "missing "+PrincipalHeader+" header")
		return
	}
	raw := r.URL.Query().Get("q")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	limit := h.cfg.DefaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, h.cfg.MaxResults)
	}

	q, err := query.Parse(raw, h.cfg.DefaultField, h.analyzer)
	if err != nil {
		h.metrics.Search("unsupported", "none", time.Since(start), 0)
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}

	var results []global.Result
	cacheHit := false
	compute := func() ([]global.Result, error) {
		return h.searcher.Search(ctx, principal, q, limit)
	}
	if h.cache != nil {
		results, cacheHit, err = h.cache.GetOrCompute(ctx, principal, q, limit, compute)
	} else {
		results, err = compute()
	}
	cacheStatus := "miss"
	if cacheHit {
		cacheStatus = "hit"
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrUnsupportedQuery) {
			h.metrics.Search("unsupported", cacheStatus, time.Since(start), 0)
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.metrics.Search("error", cacheStatus, time.Since(start), 0)
		log.Error("search failed", "query", q.String(), "error", err)
		h.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	elapsed := time.Since(start)
	resultType := "hit"
	if len(results) == 0 {
		resultType = "zero_result"
	}
	h.metrics.Search(resultType, cacheStatus, elapsed, len(results))
	log.Info("search completed",
		"query", q.String(),
		"returned", len(results),
		"cache_hit", cacheHit,
		"latency_ms", elapsed.Milliseconds(),
	)

	resp := searchResponse{
		Query:     q.String(),
		Returned:  len(results),
		CacheHit:  cacheHit,
		LatencyMs: elapsed.Milliseconds(),
		RequestID: middleware.GetRequestID(ctx),
		Results:   make([]searchHit, 0, len(results)),
	}
	for _, res := range results {
		d := res.Document
		resp.Results = append(resp.Results, searchHit{
			ID:       res.ID.String(),
			Account:  res.ID.Account.String(),
			Item:     res.ID.Item,
			Score:    res.Score,
			Type:     string(d.Type),
			Folder:   d.Folder,
			Subject:  d.Subject,
			Filename: d.Filename,
			Creator:  d.Creator,
			MimeType: d.MimeType,
			Fragment: d.Fragment,
			Date:     d.Date,
			Size:     d.Size,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Verify reports corrupt postings in one mailbox index.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		h.writeError(w, http.StatusServiceUnavailable, "verification is disabled")
		return
	}
	account, err := uuid.Parse(r.PathValue("account"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	report, err := h.verifier.Verify(r.Context(), account)
	if err != nil {
		logger.FromContext(r.Context()).Error("verify failed", "account_id", account, "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "verify failed")
		return
	}
	type corruptCell struct {
		Term  string `json:"term"`
		Item  uint32 `json:"itemId"`
		Error string `json:"error"`
	}
	corrupt := make([]corruptCell, 0, len(report.Corrupt))
	for _, c := range report.Corrupt {
		corrupt = append(corrupt, corruptCell{Term: c.Term, Item: c.Item, Error: c.Err.Error()})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"accountId": account.String(),
		"ok":        report.OK(),
		"items":     report.Items,
		"postings":  report.Postings,
		"corrupt":   corrupt,
	})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
