package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"worksheetgen"
)

type stubBackend struct {
	verify string
}

func (s *stubBackend) Generate(ctx context.Context, req worksheetgen.BackendRequest) (*worksheetgen.BackendResponse, error) {
	switch req.Purpose {
	case worksheetgen.PurposeGenerate:
		return &worksheetgen.BackendResponse{Text: batchText(10)}, nil
	case worksheetgen.PurposeVerify:
		return &worksheetgen.BackendResponse{Text: s.verify}, nil
	}
	return nil, fmt.Errorf("unexpected %s call", req.Purpose)
}

func batchText(n int) string {
	var items, answers []string
	for k := 1; k <= n; k++ {
		items = append(items, fmt.Sprintf(`{"number": %d, "content": "What is %d + %d?", "free_response": true}`, k, k, k))
		answers = append(answers, fmt.Sprintf(`{"number": %d, "correct_answer": "%d", "solution": "add"}`, k, 2*k))
	}
	return `{"items": [` + strings.Join(items, ",") + `], "answers": [` + strings.Join(answers, ",") + `]}`
}

type okCompiler struct{}

func (okCompiler) Compile(ctx context.Context, code string) (worksheetgen.CompileProbe, error) {
	return worksheetgen.CompileProbe{Success: true}, nil
}

func newTestServer(t *testing.T, quota int) *Server {
	t.Helper()
	cfg := worksheetgen.DefaultConfig()
	cfg.Quota.MonthlyLimit = quota

	db, err := worksheetgen.OpenWorksheetDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	generator, err := worksheetgen.NewWorksheetGenerator(cfg, worksheetgen.Dependencies{
		Backend:  &stubBackend{verify: "[]"},
		Compiler: okCompiler{},
		Usage:    db,
		Archive:  db,
	})
	require.NoError(t, err)

	return &Server{
		cfg:       &cfg,
		generator: generator,
		db:        db,
		store:     sessions.NewCookieStore([]byte(randomSecret())),
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}
}

func postWorksheet(s *Server, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/worksheets", strings.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.handleGenerate(rec, req)
	return rec
}

const validBody = `{"topics": [{"category": "Math", "subcategory": "Addition"}], "difficulty": "easy", "count": 10}`

func TestHandleGenerate_StreamsNDJSON(t *testing.T) {
	s := newTestServer(t, 0)

	rec := postWorksheet(s, validBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	var types []string
	scanner := bufio.NewScanner(rec.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		types = append(types, line.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, worksheetgen.RecordProgress, types[0])
	assert.Equal(t, worksheetgen.RecordComplete, types[len(types)-1])
}

func TestHandleGenerate_RejectsBadRequests(t *testing.T) {
	s := newTestServer(t, 0)

	for name, body := range map[string]string{
		"not json":      "topics please",
		"unknown field": `{"topics": [{"category": "Math", "subcategory": "Addition"}], "difficulty": "easy", "count": 10, "style": "fun"}`,
		"bad count":     `{"topics": [{"category": "Math", "subcategory": "Addition"}], "difficulty": "easy", "count": 11}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := postWorksheet(s, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), string(worksheetgen.CategoryInvalidRequest))
		})
	}
}

func TestHandleGenerate_EnforcesQuota(t *testing.T) {
	s := newTestServer(t, 1)

	first := postWorksheet(s, validBody)
	require.Equal(t, http.StatusOK, first.Code)
	cookies := first.Result().Cookies()
	require.NotEmpty(t, cookies)

	second := postWorksheet(s, validBody, cookies...)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "quota_exceeded")
}

func TestHandleGenerate_RateLimited(t *testing.T) {
	s := newTestServer(t, 0)
	s.limiter = rate.NewLimiter(0, 0)

	rec := postWorksheet(s, validBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), string(worksheetgen.CategoryBusy))
}

func TestHandleList_And_Get(t *testing.T) {
	s := newTestServer(t, 0)

	gen := postWorksheet(s, validBody)
	require.Equal(t, http.StatusOK, gen.Code)
	cookies := gen.Result().Cookies()

	listReq := httptest.NewRequest(http.MethodGet, "/api/worksheets", nil)
	for _, c := range cookies {
		listReq.AddCookie(c)
	}
	listRec := httptest.NewRecorder()
	s.handleList(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var list struct {
		Worksheets []worksheetgen.WorksheetSummary `json:"worksheets"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &list))
	require.Len(t, list.Worksheets, 1)
	id := list.Worksheets[0].ID

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/worksheets/{id}", s.handleGet)

	getReq := httptest.NewRequest(http.MethodGet, "/api/worksheets/"+id, nil)
	for _, c := range cookies {
		getReq.AddCookie(c)
	}
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)
	assert.Contains(t, getRec.Body.String(), "What is 3 + 3?")

	strangerRec := httptest.NewRecorder()
	mux.ServeHTTP(strangerRec, httptest.NewRequest(http.MethodGet, "/api/worksheets/"+id, nil))
	assert.Equal(t, http.StatusNotFound, strangerRec.Code)
}

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	(&Server{}).handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}
