package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

type stubAudit struct {
	entries []domain.AuditEntry
	err     error
	got     domain.ListOpts
}

func (s *stubAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.got = opts
	return s.entries, s.err
}

func serveAudit(a AuditReader, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h := NewAuditHandler(a, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux.HandleFunc("GET /api/vaults/{id}/audit", h.ListVaultAudit)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestListVaultAuditFilters(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stub := &stubAudit{entries: []domain.AuditEntry{
		{ID: 7, Event: "wager_placed", Detail: map[string]any{"index": float64(0)}, CreatedAt: at},
	}}

	rec := serveAudit(stub, "/api/vaults/v1/audit?limit=10&since=2026-03-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "v1", stub.got.VaultID)
	assert.Equal(t, 10, stub.got.Limit)
	require.NotNil(t, stub.got.Since)
	assert.True(t, stub.got.Since.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, stub.got.Until)

	var body struct {
		Entries []auditEntryView `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "wager_placed", body.Entries[0].Event)
	assert.True(t, body.Entries[0].CreatedAt.Equal(at))
}

func TestListVaultAuditEmptyIsList(t *testing.T) {
	rec := serveAudit(&stubAudit{}, "/api/vaults/v1/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}

func TestListVaultAuditBadTimestamp(t *testing.T) {
	stub := &stubAudit{}
	rec := serveAudit(stub, "/api/vaults/v1/audit?until=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, stub.got.VaultID)
}

func TestListVaultAuditStoreFailure(t *testing.T) {
	rec := serveAudit(&stubAudit{err: errors.New("connection reset")}, "/api/vaults/v1/audit")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
