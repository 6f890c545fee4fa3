package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"
)

// DefaultQueryTemplate asks the endpoint for the profile metrics over the
// evaluation window.
const DefaultQueryTemplate = `{{.Name}}{window="{{.Window}}"}`

// HTTP answers queries from a JSON endpoint. The query string is rendered
// from a text/template over Query and sent as the "query" parameter. The
// response is either an array of rows or an object with a "rows" array.
type HTTP struct {
	endpoint string
	tmpl     *template.Template
	client   *http.Client
}

// NewHTTP creates an HTTP gateway. An empty tmpl uses DefaultQueryTemplate.
func NewHTTP(endpoint, tmpl string, client *http.Client) (*HTTP, error) {
	if endpoint == "" {
		return nil, errors.New("http gateway: url is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("http gateway: invalid url: %w", err)
	}
	if tmpl == "" {
		tmpl = DefaultQueryTemplate
	}
	t, err := template.New("query").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("http gateway: parse query template: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{endpoint: endpoint, tmpl: t, client: client}, nil
}

// Render returns the query string for q.
func (h *HTTP) Render(q Query) (string, error) {
	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, q); err != nil {
		return "", fmt.Errorf("render query template: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Query renders q, calls the endpoint and decodes the rows.
func (h *HTTP) Query(ctx context.Context, q Query) (rows []Row, err error) {
	start := time.Now()
	defer func() { observeQuery(BackendHTTP, start, err) }()

	query, err := h.Render(q)
	if err != nil {
		return nil, err
	}
	sep := "?"
	if strings.Contains(h.endpoint, "?") {
		sep = "&"
	}
	u := h.endpoint + sep + url.Values{"query": {query}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("query returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return decodeRows(body)
}

func decodeRows(body []byte) ([]Row, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var rows []Row
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode rows: %w", err)
		}
		return rows, nil
	}
	var wrapped struct {
		Rows []Row `json:"rows"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return wrapped.Rows, nil
}
