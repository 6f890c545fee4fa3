package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PromQL answers queries by running one instant query per snapshot field
// against a Prometheus-compatible /api/v1/query endpoint. The results form
// a single row; a query with an empty result leaves its field absent.
type PromQL struct {
	baseURL string
	queries map[string]string
	names   []string
	client  *http.Client
}

// NewPromQL creates a PromQL gateway. queries maps field names to expressions.
func NewPromQL(baseURL string, queries map[string]string, client *http.Client) (*PromQL, error) {
	if baseURL == "" {
		return nil, errors.New("promql: url is required")
	}
	if len(queries) == 0 {
		return nil, errors.New("promql: at least one query is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return &PromQL{
		baseURL: strings.TrimRight(baseURL, "/"),
		queries: queries,
		names:   names,
		client:  client,
	}, nil
}

// Query runs every configured expression at q.At.
func (p *PromQL) Query(ctx context.Context, q Query) ([]Row, error) {
	start := time.Now()
	row := make(Row, len(p.names))
	for _, name := range p.names {
		v, ok, err := p.instant(ctx, p.queries[name], q.At)
		if err != nil {
			observeQuery(BackendPromQL, start, err)
			return nil, fmt.Errorf("promql query %q: %w", name, err)
		}
		if ok {
			row[name] = v
		}
	}
	observeQuery(BackendPromQL, start, nil)
	return []Row{row}, nil
}

func (p *PromQL) instant(ctx context.Context, expr string, at time.Time) (float64, bool, error) {
	params := url.Values{}
	params.Set("query", expr)
	if !at.IsZero() {
		params.Set("time", strconv.FormatFloat(float64(at.UnixMilli())/1000, 'f', 3, 64))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/v1/query?"+params.Encode(), nil)
	if err != nil {
		return 0, false, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, false, fmt.Errorf("returned %d: %s", resp.StatusCode, string(body))
	}

	var pr promQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, false, fmt.Errorf("decode response: %w", err)
	}
	if pr.Status != "success" {
		return 0, false, fmt.Errorf("query error: %s", pr.Error)
	}
	return extractValue(pr.Data)
}

// extractValue reads a scalar result or the first sample of a vector.
func extractValue(data promQLData) (float64, bool, error) {
	switch data.ResultType {
	case "scalar":
		var pair []any
		if err := json.Unmarshal(data.Result, &pair); err != nil {
			return 0, false, fmt.Errorf("decode scalar: %w", err)
		}
		return sampleValue(pair)
	case "vector":
		var samples []struct {
			Value []any `json:"value"`
		}
		if err := json.Unmarshal(data.Result, &samples); err != nil {
			return 0, false, fmt.Errorf("decode vector: %w", err)
		}
		if len(samples) == 0 {
			return 0, false, nil
		}
		return sampleValue(samples[0].Value)
	default:
		return 0, false, fmt.Errorf("unsupported result type %q", data.ResultType)
	}
}

// sampleValue parses a [timestamp, "value"] pair. NaN and Inf read as absent.
func sampleValue(pair []any) (float64, bool, error) {
	if len(pair) < 2 {
		return 0, false, nil
	}
	s, ok := pair[1].(string)
	if !ok {
		return 0, false, fmt.Errorf("sample value is %T, want string", pair[1])
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse sample %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, nil
	}
	return f, true, nil
}

type promQLResponse struct {
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Data   promQLData `json:"data"`
}

type promQLData struct {
	ResultType string          `json:"resultType"`
	Result     json.RawMessage `json:"result"`
}
