// Package routing maps enrollment tokens to the backend server that issued
// them, using the routing rules file published by the vendor.
package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRulesURL is the well-known location of the routing rules file.
	DefaultRulesURL = "http://komponenty.vulcan.net.pl/UonetPlusMobile/RoutingRules.txt"

	// SandboxPrefix and SandboxURL form the record that is always present,
	// whatever the fetched file contains.
	SandboxPrefix = "FK1"
	SandboxURL    = "http://api.fakelog.cf"

	prefixLen = 3
)

var (
	// ErrNotFound is returned when no record matches the token prefix.
	ErrNotFound = errors.New("no server registered for token prefix")
	// ErrFetch wraps failures to download the routing rules.
	ErrFetch = errors.New("fetch routing rules")
)

// Table maps an upper-case 3-character token prefix to a server base URL.
type Table map[string]string

// Lookup returns the server URL for token.
func (t Table) Lookup(token string) (string, bool) {
	p, ok := Prefix(token)
	if !ok {
		return "", false
	}
	u, ok := t[p]
	return u, ok
}

// Prefix returns the normalised routing prefix of token.
func Prefix(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if len(token) < prefixLen {
		return "", false
	}
	return strings.ToUpper(token[:prefixLen]), true
}

// Parse builds a Table from the whitespace separated PREFIX,URL records in
// text. Records without a comma are skipped. The sandbox record is always
// added.
func Parse(text string, logger *zap.Logger) Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := Table{}
	for _, rec := range strings.Fields(text) {
		prefix, url, ok := strings.Cut(rec, ",")
		if !ok || prefix == "" || url == "" {
			logger.Warn("skipping malformed routing record", zap.String("record", rec))
			continue
		}
		t[strings.ToUpper(prefix)] = strings.TrimRight(url, "/")
	}
	t[SandboxPrefix] = SandboxURL
	return t
}

// TableSource produces a routing table.
type TableSource interface {
	Table(ctx context.Context) (Table, error)
}

// Resolver downloads the routing rules on every call. Wrap it in a
// CachedResolver to reuse the table between calls.
type Resolver struct {
	rulesURL   string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRulesURL overrides the routing rules location.
func WithRulesURL(u string) Option { return func(r *Resolver) { r.rulesURL = u } }

// WithHTTPClient sets the HTTP client used to fetch the rules.
func WithHTTPClient(hc *http.Client) Option { return func(r *Resolver) { r.httpClient = hc } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Resolver) { r.logger = l } }

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		rulesURL:   DefaultRulesURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Table fetches and parses the routing rules. When the download fails the
// returned table still holds the sandbox record, alongside an ErrFetch error.
func (r *Resolver) Table(ctx context.Context) (Table, error) {
	text, err := r.fetch(ctx)
	if err != nil {
		r.logger.Warn("routing rules unavailable, only the sandbox is routable",
			zap.String("url", r.rulesURL), zap.Error(err))
		return Parse("", r.logger), fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return Parse(text, r.logger), nil
}

// Resolve returns the server base URL for token.
func (r *Resolver) Resolve(ctx context.Context, token string) (string, error) {
	return resolve(ctx, r, token)
}

func (r *Resolver) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.rulesURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, r.rulesURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read routing rules: %w", err)
	}
	return string(body), nil
}

// resolve looks token up in src's table. A fetch error only surfaces when the
// token could not be resolved from what was available.
func resolve(ctx context.Context, src TableSource, token string) (string, error) {
	table, fetchErr := src.Table(ctx)
	if u, ok := table.Lookup(token); ok {
		return u, nil
	}
	if fetchErr != nil {
		return "", fetchErr
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, token)
}
