package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/global"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/identity"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/mailbox"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/config"
)

type fakeSearcher struct {
	principal string
	query     string
	limit     int
	results   []global.Result
	err       error
}

func (f *fakeSearcher) Search(_ context.Context, principal string, q query.Query, limit int) ([]global.Result, error) {
	f.principal, f.query, f.limit = principal, q.String(), limit
	return f.results, f.err
}

type fakeVerifier struct{ report mailbox.VerifyReport }

func (f fakeVerifier) Verify(context.Context, uuid.UUID) (mailbox.VerifyReport, error) {
	return f.report, nil
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Routes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func searchRequest(target, principal string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	return req
}

func TestSearch(t *testing.T) {
	account := uuid.New()
	fs := &fakeSearcher{results: []global.Result{{
		ID:    identity.NewGlobalItemID(account, 7),
		Score: 1.5,
		Document: global.GlobalDocument{
			Type:     mailbox.TypeDocument,
			Folder:   16,
			Filename: "plan.txt",
		},
	}}}
	h := New(fs, nil, nil, config.SearchConfig{DefaultLimit: 10, MaxResults: 50}, nil)

	rec := serve(h, searchRequest("/api/v1/search?q=launch+plan&limit=500", "alice"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if fs.principal != "alice" || fs.limit != 50 {
		t.Errorf("searcher called with principal %q limit %d", fs.principal, fs.limit)
	}
	var resp searchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Returned != 1 || resp.Results[0].Filename != "plan.txt" || resp.Results[0].Item != 7 {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Results[0].Account != account.String() {
		t.Errorf("account = %q", resp.Results[0].Account)
	}
}

func TestSearchErrors(t *testing.T) {
	fs := &fakeSearcher{}
	h := New(fs, nil, nil, config.SearchConfig{}, nil)

	tests := []struct {
		name      string
		target    string
		principal string
		want      int
	}{
		{"no principal", "/api/v1/search?q=cat", "", http.StatusUnauthorized},
		{"no query", "/api/v1/search", "alice", http.StatusBadRequest},
		{"bad limit", "/api/v1/search?q=cat&limit=0", "alice", http.StatusBadRequest},
		{"disjunction", "/api/v1/search?q=cat+OR+dog", "alice", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(h, searchRequest(tt.target, tt.principal)); rec.Code != tt.want {
				t.Errorf("status %d, want %d", rec.Code, tt.want)
			}
		})
	}

	fs.err = errors.New("store unavailable")
	rec := serve(h, searchRequest("/api/v1/search?q=cat", "alice"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "search failed" {
		t.Errorf("error body %v", body)
	}
}

func TestVerify(t *testing.T) {
	h := New(&fakeSearcher{}, nil, fakeVerifier{mailbox.VerifyReport{Items: 3, Postings: 12}}, config.SearchConfig{}, nil)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/mailboxes/"+uuid.NewString()+"/verify", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		OK       bool `json:"ok"`
		Postings int  `json:"postings"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if !body.OK || body.Postings != 12 {
		t.Errorf("unexpected body %+v", body)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/mailboxes/nope/verify", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d for bad account", rec.Code)
	}
}

func TestCacheDisabled(t *testing.T) {
	h := New(&fakeSearcher{}, nil, nil, config.SearchConfig{}, nil)
	if rec := serve(h, httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("invalidate status %d", rec.Code)
	}
	if rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil)); rec.Code != http.StatusOK {
		t.Errorf("stats status %d", rec.Code)
	}
}
