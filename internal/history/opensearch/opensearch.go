// Package opensearch indexes tunnel lifecycle events into OpenSearch (or
// Elasticsearch) over its REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/tunnelpanel/internal/history"
)

const defaultIndex = "tunnel-history"

// Sink POSTs each event to baseURL/index/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	if index == "" {
		index = defaultIndex
	}
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	resp, err := s.post(ctx, "_doc", b)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

type searchResp struct {
	Hits struct {
		Hits []struct {
			Source history.Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// List returns the newest events first.
func (s *Sink) List(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`{"size":%d,"sort":[{"occurred_at":{"order":"desc"}}]}`, limit)
	resp, err := s.post(ctx, "_search", []byte(q))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	var sr searchResp
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode opensearch response: %w", err)
	}
	out := make([]history.Event, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

func (s *Sink) post(ctx context.Context, op string, body []byte) (*http.Response, error) {
	u := fmt.Sprintf("%s/%s/%s", s.baseURL, s.index, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return resp, nil
}

var (
	_ history.Sink   = (*Sink)(nil)
	_ history.Lister = (*Sink)(nil)
)
