package hebe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/hebe/pkg/certificate"
	"github.com/jmerrifield20/hebe/pkg/routing"
	"github.com/jmerrifield20/hebe/pkg/signer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// ResponseContentType is the only Content-Type accepted from the server.
	ResponseContentType = "application/json; charset=utf-8"

	requestContentType = "application/json"
	maxResponseBytes   = 16 << 20
	defaultPageSize    = 500
)

// ServerResolver maps an enrollment token to a server base URL.
type ServerResolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// Client talks to the mobile API on behalf of one device certificate.
type Client struct {
	cert       *certificate.Certificate
	httpClient *http.Client
	resolver   ServerResolver
	app        AppInfo
	pageSize   int
	limiter    *rate.Limiter
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time
	// restURL, when set, replaces the certificate's REST URL.
	restURL string

	mu    sync.Mutex
	state RegistrationState
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-call HTTP timeout. The http.Client is copied, so
// one passed to WithHTTPClient is left as it was.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
		return nil
	}
}

// WithResolver sets the server discovery used by Register.
func WithResolver(r ServerResolver) Option {
	return func(c *Client) error {
		c.resolver = r
		return nil
	}
}

// WithAppInfo overrides the application name, version and user agent.
func WithAppInfo(app AppInfo) Option {
	return func(c *Client) error {
		c.app = app
		return nil
	}
}

// WithPageSize sets the page size used by GetAll.
func WithPageSize(n int) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("page size must be positive, got %d", n)
		}
		c.pageSize = n
		return nil
	}
}

// WithRateLimit spaces out HTTP calls to at most rps per second with the
// given burst. Waiting honours the call's context.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("invalid rate limit %v/%d", rps, burst)
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithMetrics records call statistics into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithLogger sets the logger. Calls are logged at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		c.now = now
		return nil
	}
}

// ForUnit returns a Client that sends entity calls to restURL instead of the
// certificate's REST URL. Pupils of some units are served from the unit's
// own host, as given in the pupil's Unit.RestURL. The returned Client shares
// the certificate, transport, limiter and metrics of c. An empty restURL
// returns c.
func (c *Client) ForUnit(restURL string) *Client {
	if restURL == "" {
		return c
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	return &Client{
		cert:       c.cert,
		httpClient: c.httpClient,
		resolver:   c.resolver,
		app:        c.app,
		pageSize:   c.pageSize,
		limiter:    c.limiter,
		metrics:    c.metrics,
		logger:     c.logger.With(zap.String("unit_rest_url", restURL)),
		now:        c.now,
		restURL:    restURL,
		state:      state,
	}
}

// New creates a Client signing with cert.
//
//	c, err := hebe.New(cert,
//	    hebe.WithLogger(logger),
//	    hebe.WithRateLimit(5, 10),
//	)
func New(cert *certificate.Certificate, opts ...Option) (*Client, error) {
	if cert == nil || cert.Key() == nil {
		return nil, errors.New("hebe: certificate with a private key is required")
	}
	c := &Client{
		cert:       cert,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		resolver:   routing.New(),
		app:        DefaultAppInfo,
		pageSize:   defaultPageSize,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if cert.Registered() {
		c.state = Registered
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(cert *certificate.Certificate, opts ...Option) *Client {
	c, err := New(cert, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Certificate returns the identity the client signs with.
func (c *Client) Certificate() *certificate.Certificate { return c.cert }

// Get calls GET {rest_url}/mobile/{entity} with params.
func (c *Client) Get(ctx context.Context, entity string, params url.Values) (*ResponseEnvelope, error) {
	target, err := c.endpoint(entity, params)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, http.MethodGet, target, nil)
}

// Post calls POST {rest_url}/mobile/{entity} with payload wrapped in an envelope.
func (c *Client) Post(ctx context.Context, entity string, payload any) (*ResponseEnvelope, error) {
	target, err := c.endpoint(entity, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, http.MethodPost, target, payload)
}

// Do performs one signed call against an absolute URL and returns the
// decoded envelope once its status is 0. For POST, payload is wrapped in a
// fresh RequestEnvelope; for GET it must be nil.
func (c *Client) Do(ctx context.Context, method, target string, payload any) (*ResponseEnvelope, error) {
	start := time.Now()
	env, err := c.do(ctx, method, target, payload)
	c.metrics.observe(method, err, time.Since(start))

	fields := []zap.Field{
		zap.String("method", method),
		zap.String("url", target),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		c.logger.Debug("api call failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	c.logger.Debug("api call", append(fields, zap.String("envelope_type", env.EnvelopeType))...)
	return env, nil
}

func (c *Client) do(ctx context.Context, method, target string, payload any) (*ResponseEnvelope, error) {
	var body []byte
	if method == http.MethodPost && payload != nil {
		b, err := json.Marshal(NewRequestEnvelope(payload, c.app, c.cert.PushToken, c.now()))
		if err != nil {
			return nil, fmt.Errorf("marshal request envelope: %w", err)
		}
		body = b
	} else if payload != nil {
		return nil, fmt.Errorf("%s request cannot carry a payload", method)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedRequest, err)
		}
	}

	req, err := c.newRequest(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedRequest, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFoundEndpoint, req.URL.Path)
	case http.StatusMethodNotAllowed:
		return nil, fmt.Errorf("%w: %s %s", ErrMethodNotAllowed, method, req.URL.Path)
	}
	if ct := resp.Header.Get("Content-Type"); ct != ResponseContentType {
		return nil, fmt.Errorf("%w: %q (HTTP %d)", ErrInvalidResponseContentType, ct, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrFailedRequest, err)
	}

	env, err := DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	if err := CheckStatus(env.Status); err != nil {
		return nil, err
	}
	return env, nil
}

// newRequest builds the HTTP request with signed headers. The signing
// instant is taken here, per call.
func (c *Client) newRequest(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	vals, err := signer.Sign(c.cert.Key(), c.cert.Fingerprint, target, body, c.now())
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	// The backend expects these names verbatim, so bypass canonicalisation.
	h := req.Header
	h["UserAgent"] = []string{c.app.UserAgent}
	h["vOS"] = []string{c.cert.OS}
	h["vDeviceModel"] = []string{c.cert.Name}
	h["vAPI"] = []string{strconv.Itoa(c.app.APIVersion)}
	h[signer.HeaderDate] = []string{vals.Date}
	h[signer.HeaderCanonicalURL] = []string{vals.CanonicalURL}
	h.Set("Signature", vals.Signature)
	if vals.Digest != "" {
		h.Set(signer.HeaderDigest, vals.Digest)
		h.Set("Content-Type", requestContentType)
	}
	return req, nil
}

// endpoint builds {rest_url}/mobile/{entity}?params.
func (c *Client) endpoint(entity string, params url.Values) (string, error) {
	if !c.cert.Registered() {
		return "", ErrNotRegistered
	}
	base := c.restURL
	if base == "" {
		base = c.cert.RestURL()
	}
	target := strings.TrimRight(base, "/") + "/mobile/" + strings.Trim(entity, "/")
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return target, nil
}
