package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practice-rules-engine/internal/models"
)

func newTestIndexer(t *testing.T, handler http.HandlerFunc) *Indexer {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewIndexer(client, "audit-entries")
}

func TestIndexer_Index(t *testing.T) {
	var gotPath string
	var gotBody models.AuditEntry
	idx := newTestIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	})

	err := idx.Index(context.Background(), models.AuditEntry{ID: "a-1", SubjectID: "s-1", Actor: "system", Action: models.AuditConsentCheck, Timestamp: fixedNow})
	require.NoError(t, err)
	assert.Equal(t, "/audit-entries/_doc/a-1", gotPath)
	assert.Equal(t, "s-1", gotBody.SubjectID)
}

func TestIndexer_IndexError(t *testing.T) {
	idx := newTestIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"mapper_parsing_exception"}`)
	})

	err := idx.Index(context.Background(), models.AuditEntry{ID: "a-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestIndexer_Search(t *testing.T) {
	var query map[string]interface{}
	idx := newTestIndexer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/_search"))
		_ = json.NewDecoder(r.Body).Decode(&query)
		_, _ = io.WriteString(w, `{"hits":{"total":{"value":1},"hits":[{"_source":{"id":"a-1","subjectId":"s-1","actor":"u-1","action":"consent.check","timestamp":"2024-06-01T10:00:00Z"}}]}}`)
	})

	entries, total, err := idx.Search(context.Background(), Query{SubjectID: "s-1", From: fixedNow.Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "a-1", entries[0].ID)
	assert.True(t, fixedNow.Equal(entries[0].Timestamp))

	filters := query["query"].(map[string]interface{})["bool"].(map[string]interface{})["filter"].([]interface{})
	assert.Len(t, filters, 2)
	assert.EqualValues(t, 20, query["size"])
}

func TestBuildSearch_MatchAllWithoutFilters(t *testing.T) {
	q := buildSearch(Query{Limit: 5, Offset: 10})
	assert.Contains(t, q["query"], "match_all")
	assert.Equal(t, 5, q["size"])
	assert.Equal(t, 10, q["from"])
}
