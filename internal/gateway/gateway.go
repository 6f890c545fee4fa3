// Package gateway queries aggregated telemetry metrics and turns the result
// into the snapshot the decision engine evaluates.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/szibis/profile-governor/internal/auth"
	tlspkg "github.com/szibis/profile-governor/internal/tls"
)

// Snapshot field names as they appear in query rows.
const (
	FieldCost        = "cost"
	FieldCoverage    = "coverage"
	FieldPerformance = "performance"
	FieldCardinality = "cardinality"
)

// Backend names.
const (
	BackendPromQL = "promql"
	BackendHTTP   = "http"
)

// ErrNoData is returned when a query yields no rows.
var ErrNoData = errors.New("query returned no rows")

// Query describes one evaluation request.
type Query struct {
	// Name identifies the request in logs and templates.
	Name string
	// At is the evaluation time.
	At time.Time
	// Window is the lookback the aggregation should cover.
	Window time.Duration
	// Profile is the profile currently in effect.
	Profile string
}

// Row is one result row of named numeric values.
type Row map[string]float64

// Gateway fetches aggregated metrics.
type Gateway interface {
	Query(ctx context.Context, q Query) ([]Row, error)
}

// Snapshot is the metric tuple the decision rules read.
type Snapshot struct {
	Cost        float64   `json:"cost"`
	Coverage    float64   `json:"coverage"`
	Performance float64   `json:"performance"`
	Cardinality float64   `json:"cardinality"`
	CapturedAt  time.Time `json:"captured_at"`
}

// SnapshotFromRows reads the first row. Absent or non-finite fields take
// neutral values: cost 0, coverage 1, performance 1, cardinality 0.
func SnapshotFromRows(rows []Row, at time.Time) (Snapshot, error) {
	if len(rows) == 0 {
		return Snapshot{}, ErrNoData
	}
	r := rows[0]
	return Snapshot{
		Cost:        field(r, FieldCost, 0),
		Coverage:    field(r, FieldCoverage, 1),
		Performance: field(r, FieldPerformance, 1),
		Cardinality: field(r, FieldCardinality, 0),
		CapturedAt:  at,
	}, nil
}

func field(r Row, name string, neutral float64) float64 {
	v, ok := r[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return neutral
	}
	return v
}

// Config selects and configures a gateway implementation.
type Config struct {
	Backend string
	URL     string
	Timeout time.Duration
	Headers map[string]string
	// Queries maps snapshot field names to PromQL expressions.
	Queries map[string]string
	// QueryTemplate is the text/template rendered into the query string of
	// the HTTP backend.
	QueryTemplate string
	ForceHTTP2    bool
	TLS           tlspkg.ClientConfig
	Auth          auth.ClientConfig
	// MaxFailures trips the circuit breaker; a negative value disables it.
	MaxFailures  int
	ResetTimeout time.Duration
}

// New builds the configured gateway wrapped in a circuit breaker.
func New(cfg Config) (Gateway, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client, err := tlspkg.NewHTTPClient(tlspkg.HTTPClientOptions{
		Timeout:    cfg.Timeout,
		TLS:        cfg.TLS,
		ForceHTTP2: cfg.ForceHTTP2,
		Headers:    cfg.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway client: %w", err)
	}
	client.Transport = auth.HTTPTransport(cfg.Auth, client.Transport)

	var g Gateway
	if cfg.Backend == "" {
		cfg.Backend = BackendPromQL
	}
	switch cfg.Backend {
	case BackendPromQL:
		g, err = NewPromQL(cfg.URL, cfg.Queries, client)
	case BackendHTTP:
		g, err = NewHTTP(cfg.URL, cfg.QueryTemplate, client)
	default:
		return nil, fmt.Errorf("unknown gateway backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.MaxFailures < 0 {
		return g, nil
	}
	return NewBreaker(g, cfg.Backend, cfg.MaxFailures, cfg.ResetTimeout), nil
}
