package hebe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRegistrationInProgress is returned when Register is called while an
// earlier call on the same client has not finished.
var ErrRegistrationInProgress = errors.New("registration already in progress")

// RegistrationState is the lifecycle stage of the client's certificate.
type RegistrationState int

const (
	Unregistered RegistrationState = iota
	Registering
	Registered
	Failed
)

func (s RegistrationState) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("RegistrationState(%d)", int(s))
	}
}

// Account is the AccountPayload returned on successful registration.
type Account struct {
	LoginID   int64  `json:"LoginId"`
	RestURL   string `json:"RestURL"`
	UserLogin string `json:"UserLogin"`
	UserName  string `json:"UserName"`
}

// RegisterRequest carries the enrollment credentials the user obtained from
// the school portal.
type RegisterRequest struct {
	Token  string
	Symbol string
	PIN    string
	// ServerURL skips routing-table discovery when set.
	ServerURL string
}

type registerEnvelope struct {
	OS                    string `json:"OS"`
	DeviceModel           string `json:"DeviceModel"`
	Certificate           string `json:"Certificate"`
	CertificateType       string `json:"CertificateType"`
	CertificateThumbprint string `json:"CertificateThumbprint"`
	PIN                   string `json:"PIN"`
	SecurityToken         string `json:"SecurityToken"`
	SelfIdentifier        string `json:"SelfIdentifier"`
}

// State reports where the client's certificate is in its lifecycle.
func (c *Client) State() RegistrationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Register enrolls the client's certificate with the backend. On success the
// certificate learns its account base URL and login id; on any failure it is
// left exactly as it was and the client moves to Failed, from which Register
// may be called again.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	if req.Token == "" || req.Symbol == "" || req.PIN == "" {
		return nil, errors.New("register: token, symbol and PIN are required")
	}
	if err := c.begin(); err != nil {
		return nil, err
	}

	acct, err := c.register(ctx, req)
	c.finish(err)
	if err != nil {
		c.logger.Warn("registration failed", zap.String("symbol", req.Symbol), zap.Error(err))
		return nil, err
	}
	c.logger.Info("certificate registered",
		zap.String("symbol", req.Symbol),
		zap.Int64("login_id", acct.LoginID),
		zap.String("rest_url", c.cert.RestURL()),
	)
	return acct, nil
}

func (c *Client) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Registering:
		return ErrRegistrationInProgress
	case Registered:
		return errors.New("register: certificate is already registered")
	}
	c.state = Registering
	return nil
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = Failed
		return
	}
	c.state = Registered
}

func (c *Client) register(ctx context.Context, req RegisterRequest) (*Account, error) {
	server := req.ServerURL
	if server == "" {
		var err error
		if server, err = c.resolver.Resolve(ctx, req.Token); err != nil {
			return nil, fmt.Errorf("resolve server: %w", err)
		}
	}
	target := fmt.Sprintf("%s/%s/api/mobile/register/new", strings.TrimRight(server, "/"), req.Symbol)

	env, err := c.Do(ctx, http.MethodPost, target, registerEnvelope{
		OS:                    c.cert.OS,
		DeviceModel:           c.cert.Name,
		Certificate:           c.cert.PEM,
		CertificateType:       c.cert.Type,
		CertificateThumbprint: c.cert.Fingerprint,
		PIN:                   req.PIN,
		SecurityToken:         req.Token,
		SelfIdentifier:        SelfIdentifier(c.cert.Fingerprint),
	})
	if err != nil {
		return nil, err
	}
	acct, err := Decode[Account](env, TypeAccount)
	if err != nil {
		return nil, err
	}
	if env.IsNull() || acct.RestURL == "" {
		return nil, fmt.Errorf("%w: account has no RestURL", ErrInvalidResponseContent)
	}
	if err := c.cert.SetAccount(strings.TrimRight(acct.RestURL, "/")+"/api", acct.LoginID); err != nil {
		return nil, err
	}
	return &acct, nil
}

// SelfIdentifier derives the stable device id sent at registration from the
// certificate fingerprint.
func SelfIdentifier(fingerprint string) string {
	return uuid.NewSHA1(uuid.NameSpaceX500, []byte(fingerprint)).String()
}
