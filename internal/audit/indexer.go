package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"practice-rules-engine/internal/models"
)

// Indexer mirrors audit entries into Elasticsearch for compliance search.
type Indexer struct {
	client *elasticsearch.Client
	index  string
}

func NewIndexer(client *elasticsearch.Client, index string) *Indexer {
	return &Indexer{client: client, index: index}
}

// Index stores an entry under its id, so re-indexing is harmless.
func (i *Indexer) Index(ctx context.Context, entry models.AuditEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      i.index,
		DocumentID: entry.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("index audit entry: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index audit entry failed: %s", res.String())
	}
	return nil
}

// Search queries the mirror index, newest first.
func (i *Indexer) Search(ctx context.Context, q Query) ([]models.AuditEntry, int64, error) {
	body, err := json.Marshal(buildSearch(q))
	if err != nil {
		return nil, 0, fmt.Errorf("marshal search: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{i.index},
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return nil, 0, fmt.Errorf("search audit entries: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, 0, fmt.Errorf("search audit entries failed: %s", res.String())
	}

	var r struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source models.AuditEntry `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return nil, 0, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]models.AuditEntry, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, r.Hits.Total.Value, nil
}

func buildSearch(q Query) map[string]interface{} {
	var filters []interface{}
	if q.SubjectID != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"subjectId.keyword": q.SubjectID}})
	}
	if q.Action != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"action.keyword": q.Action}})
	}
	if !q.From.IsZero() || !q.To.IsZero() {
		rng := map[string]interface{}{}
		if !q.From.IsZero() {
			rng["gte"] = q.From.UTC().Format(time.RFC3339Nano)
		}
		if !q.To.IsZero() {
			rng["lt"] = q.To.UTC().Format(time.RFC3339Nano)
		}
		filters = append(filters, map[string]interface{}{"range": map[string]interface{}{"timestamp": rng}})
	}

	size := q.Limit
	if size <= 0 || size > 100 {
		size = 20
	}

	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if len(filters) > 0 {
		query = map[string]interface{}{"bool": map[string]interface{}{"filter": filters}}
	}
	return map[string]interface{}{
		"query": query,
		"from":  q.Offset,
		"size":  size,
		"sort":  []interface{}{map[string]interface{}{"timestamp": map[string]interface{}{"order": "desc"}}},
	}
}
