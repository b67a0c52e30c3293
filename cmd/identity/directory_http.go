package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPDirectoryConfig configures the profile-service client.
type HTTPDirectoryConfig struct {
	// BaseURL of the profile service; users are fetched from {BaseURL}/users/{id}.
	BaseURL string
	// ServiceToken, when set, is sent as a bearer credential.
	ServiceToken string
	Timeout      time.Duration

	// Breaker trips after MaxFailures consecutive failures and probes again after OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
}

// HTTPDirectory resolves users through the profile service over HTTP,
// guarded by a circuit breaker so a dead profile service fails fast.
type HTTPDirectory struct {
	log     *slog.Logger
	base    *url.URL
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

type userDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Role        string `json:"role"`
}

// NewHTTPDirectory validates cfg and builds the client.
func NewHTTPDirectory(log *slog.Logger, cfg HTTPDirectoryConfig) (*HTTPDirectory, error) {
	const op = "identity.NewHTTPDirectory"

	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing base url"}
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "invalid base url"}
	}
	if log == nil {
		log = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	d := &HTTPDirectory{
		log:    log,
		base:   base,
		token:  strings.TrimSpace(cfg.ServiceToken),
		client: &http.Client{Timeout: timeout},
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "identity.directory",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Unknown users are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || IsNotFound(err) || IsInvalidInput(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("identity.directory.breaker", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return d, nil
}

func (d *HTTPDirectory) LookupUser(ctx context.Context, id string) (User, error) {
	const op = "identity.HTTPDirectory.LookupUser"

	id = NormalizeUserID(id)
	if id == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing user id"}
	}

	out, err := d.breaker.Execute(func() (interface{}, error) {
		return d.fetch(ctx, op, id)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return User{}, OpError{Op: op, Kind: ErrUnavailable, Msg: "circuit open", Err: err}
		}
		return User{}, err
	}
	return out.(User), nil
}

func (d *HTTPDirectory) fetch(ctx context.Context, op, id string) (User, error) {
	u := d.base.JoinPath("users", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return User{}, OpError{Op: op, Kind: ErrUnavailable, Msg: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return User{}, NotFoundError{Op: op, UserID: id}
	case resp.StatusCode != http.StatusOK:
		return User{}, OpError{Op: op, Kind: ErrUnavailable, Msg: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var dto userDTO
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&dto); err != nil {
		return User{}, OpError{Op: op, Kind: ErrUnavailable, Msg: "decode profile", Err: err}
	}
	if dto.ID == "" {
		dto.ID = id
	}
	return User{
		ID:          dto.ID,
		DisplayName: dto.DisplayName,
		Avatar:      dto.Avatar,
		Role:        Role(dto.Role),
	}, nil
}

var _ Directory = (*HTTPDirectory)(nil)
