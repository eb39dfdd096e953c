package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/fusion/pkg/fault"
	"github.com/Mindburn-Labs/fusion/pkg/model"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
	defaultMinInterval   = 0 // no vendor throttle unless configured
)

// base carries the vendor-agnostic half of every adapter: HTTP discipline,
// auth header construction, retry with exponential backoff, a per-operation
// rate limiter and the lifecycle state machine.
type base struct {
	integrationID string
	toolType      model.ToolType
	platform      string
	cfg           model.ConnectionConfig
	creds         map[string]string

	client *http.Client
	bus    *Bus
	logger *slog.Logger

	mu    sync.Mutex
	state State

	limMu       sync.Mutex
	limiters    map[string]*rate.Limiter
	minInterval time.Duration

	tokenMu     sync.Mutex
	bearerToken string
	bearerExp   time.Time
}

func newBase(integ *model.Integration, creds map[string]string, bus *Bus) (*base, error) {
	cfg := integ.ConnectionConfig
	if cfg.Endpoint == "" {
		return nil, fault.New(fault.CodeValidation, "connection config has no endpoint").
			WithIntegration(integ.ID, string(integ.Type), integ.Platform)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.SSLVerifyEnabled()}, //nolint:gosec // operator-controlled per-integration toggle
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fault.Wrap(fault.CodeValidation, "invalid proxy URL", err).
				WithIntegration(integ.ID, string(integ.Type), integ.Platform)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if cfg.AuthType == model.AuthCertificate {
		cert, err := tls.X509KeyPair([]byte(creds["certificate"]), []byte(creds["privateKey"]))
		if err != nil {
			return nil, fault.Wrap(fault.CodeValidation, "invalid client certificate", err).
				WithIntegration(integ.ID, string(integ.Type), integ.Platform)
		}
		transport.TLSClientConfig.Certificates = []tls.Certificate{cert}
	}

	var minInterval time.Duration
	if v, ok := integ.SyncPolicy.Filter["minCallIntervalMs"]; ok {
		if ms, ok := filterMillis(v); ok && ms > 0 {
			minInterval = time.Duration(ms) * time.Millisecond
		}
	}

	return &base{
		integrationID: integ.ID,
		toolType:      integ.Type,
		platform:      integ.Platform,
		cfg:           cfg,
		creds:         creds,
		client:        &http.Client{Timeout: timeout, Transport: transport},
		bus:           bus,
		logger: slog.Default().With(
			"component", "adapter",
			"integration_id", integ.ID,
			"tool_type", integ.Type,
			"platform", integ.Platform,
		),
		state:       StateIdle,
		limiters:    make(map[string]*rate.Limiter),
		minInterval: minInterval,
	}, nil
}

// setState transitions the lifecycle state machine and emits the matching
// domain event for externally visible transitions.
func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()

	switch s {
	case StateConnected:
		b.publish(Event{Kind: EventIntegrationConnected, IntegrationID: b.integrationID})
	case StateIdle:
		b.publish(Event{Kind: EventIntegrationDisconnected, IntegrationID: b.integrationID})
	case StateError:
		b.publish(Event{Kind: EventIntegrationError, IntegrationID: b.integrationID})
	}
}

func (b *base) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status maps the internal state machine to the coarse status contract.
func (b *base) Status() Status {
	switch b.currentState() {
	case StateConnected, StateSyncing:
		return StatusConnected
	case StateError:
		return StatusError
	default:
		return StatusDisconnected
	}
}

func (b *base) publish(ev Event) {
	if b.bus != nil {
		b.bus.Publish(ev)
	}
}

// rateLimit blocks until the per-operation limiter allows the call. The
// first call for a key returns immediately; subsequent calls within the
// minimum interval wait out the remainder.
func (b *base) rateLimit(ctx context.Context, opKey string) error {
	if b.minInterval <= 0 {
		return nil
	}
	b.limMu.Lock()
	lim, ok := b.limiters[opKey]
	if !ok {
		lim = rate.NewLimiter(rate.Every(b.minInterval), 1)
		b.limiters[opKey] = lim
	}
	b.limMu.Unlock()
	return lim.Wait(ctx)
}

// filterMillis coerces the numeric shapes a filter value arrives in: float64
// from decoded JSON, int and int64 when set from Go or YAML.
func filterMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// authorize sets the auth header(s) for the configured mechanism.
func (b *base) authorize(ctx context.Context, req *http.Request) error {
	switch b.cfg.AuthType {
	case model.AuthAPIKey:
		req.Header.Set("X-API-Key", b.creds["apiKey"])
	case model.AuthBasic:
		req.SetBasicAuth(b.creds["username"], b.creds["password"])
	case model.AuthToken:
		req.Header.Set("Authorization", "Bearer "+b.creds["token"])
		b.warnIfTokenExpired(ctx)
	case model.AuthOAuth2:
		token, err := b.oauthToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case model.AuthCertificate:
		// mTLS, nothing at the HTTP layer.
	default:
		return fault.New(fault.CodeValidation, fmt.Sprintf("unknown auth type %q", b.cfg.AuthType)).
			WithIntegration(b.integrationID, string(b.toolType), b.platform)
	}
	return nil
}

// warnIfTokenExpired inspects a static bearer token. JWTs carry their own
// expiry; warn once it has passed so operators rotate before syncs fail.
func (b *base) warnIfTokenExpired(ctx context.Context) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(b.creds["token"], claims); err != nil {
		return // opaque token, nothing to inspect
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if time.Now().After(exp.Time) {
		b.logger.WarnContext(ctx, "static bearer token is expired", "expired_at", exp.Time)
	}
}

// oauthToken runs (and caches) a client-credentials grant against the
// vendor's token endpoint.
func (b *base) oauthToken(ctx context.Context) (string, error) {
	b.tokenMu.Lock()
	defer b.tokenMu.Unlock()

	if b.bearerToken != "" && time.Now().Add(time.Minute).Before(b.bearerExp) {
		return b.bearerToken, nil
	}

	tokenURL := b.creds["tokenUrl"]
	if tokenURL == "" {
		tokenURL = b.cfg.Endpoint + "/oauth/token"
	}
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {b.creds["clientId"]},
		"client_secret": {b.creds["clientSecret"]},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", b.mapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", b.mapStatusError(resp, "token endpoint rejected client credentials")
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fault.Wrap(fault.CodeAuthenticationFail, "malformed token response", err).
			WithIntegration(b.integrationID, string(b.toolType), b.platform)
	}

	b.bearerToken = body.AccessToken
	if body.ExpiresIn > 0 {
		b.bearerExp = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	} else {
		b.bearerExp = time.Now().Add(time.Hour)
	}
	return b.bearerToken, nil
}

// doJSON performs one vendor call with auth, rate limiting, retries and
// canonical failure mapping. Retryable faults back off exponentially from
// RetryDelay, doubling each attempt up to RetryAttempts.
func (b *base) doJSON(ctx context.Context, method, path string, in, out any) error {
	attempts := b.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	delay := b.cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	if err := b.rateLimit(ctx, method+" "+path); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = b.doOnce(ctx, method, path, in, out)
		if lastErr == nil {
			return nil
		}
		if attempt >= attempts || !fault.Retryable(lastErr) {
			return lastErr
		}
		b.logger.WarnContext(ctx, "vendor call failed, retrying",
			"method", method, "path", path, "attempt", attempt+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (b *base) doOnce(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.Endpoint+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range b.cfg.CustomHeaders {
		req.Header.Set(k, v)
	}
	if err := b.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return b.mapTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return b.mapStatusError(resp, "")
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Wrap(fault.CodeIntegration, "malformed vendor response", err).
			WithIntegration(b.integrationID, string(b.toolType), b.platform)
	}
	return nil
}

// mapTransportError folds transport failures into the canonical taxonomy.
func (b *base) mapTransportError(err error) error {
	fe := &fault.Error{Err: err}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		fe.Code, fe.Message = fault.CodeConnectionTimeout, "vendor call timed out"
	case isTimeout(err):
		fe.Code, fe.Message = fault.CodeConnectionTimeout, "vendor call timed out"
	case isConnectionRefused(err):
		fe.Code, fe.Message = fault.CodeConnectionRefused, "vendor refused connection"
	default:
		fe.Code, fe.Message, fe.Transient = fault.CodeIntegration, err.Error(), true
	}
	return fe.WithIntegration(b.integrationID, string(b.toolType), b.platform)
}

// mapStatusError folds non-2xx responses into the canonical taxonomy.
func (b *base) mapStatusError(resp *http.Response, msg string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := string(raw)
	fe := &fault.Error{Detail: detail}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		fe.Code, fe.Message = fault.CodeAuthenticationFail, "vendor rejected credentials"
	case resp.StatusCode == http.StatusForbidden:
		fe.Code, fe.Message = fault.CodeAccessDenied, "vendor denied access"
	case resp.StatusCode == http.StatusTooManyRequests:
		fe.Code, fe.Message = fault.CodeRateLimitExceeded, "vendor rate limit exceeded"
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				fe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case resp.StatusCode >= 500:
		fe.Code, fe.Message, fe.Transient = fault.CodeIntegration,
			fmt.Sprintf("vendor returned %d", resp.StatusCode), true
	default:
		fe.Code, fe.Message = fault.CodeIntegration, fmt.Sprintf("vendor returned %d", resp.StatusCode)
	}
	if msg != "" {
		fe.Message = msg
	}
	return fe.WithIntegration(b.integrationID, string(b.toolType), b.platform)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnectionRefused(err error) bool {
	var oe *net.OpError
	if errors.As(err, &oe) {
		return oe.Op == "dial"
	}
	return false
}

// connect runs the shared connect sequence: probe the vendor health path,
// flip the state machine, emit the domain event.
func (b *base) connect(ctx context.Context, healthPath string) error {
	b.setState(StateConnecting)
	if err := b.doJSON(ctx, http.MethodGet, healthPath, nil, nil); err != nil {
		b.setState(StateError)
		return err
	}
	b.setState(StateConnected)
	return nil
}

// testConnection probes the health path without touching adapter state.
func (b *base) testConnection(ctx context.Context, healthPath string) bool {
	ctx, cancel := context.WithTimeout(ctx, b.client.Timeout)
	defer cancel()
	return b.doOnce(ctx, http.MethodGet, healthPath, nil, nil) == nil
}

// disconnect tears down the session. Always succeeds for REST vendors.
func (b *base) disconnect(_ context.Context) error {
	b.setState(StateDisconnecting)
	b.client.CloseIdleConnections()
	b.setState(StateIdle)
	return nil
}

// beginSync flips to syncing and emits sync.started.
func (b *base) beginSync(filter model.SyncFilter) {
	b.mu.Lock()
	b.state = StateSyncing
	b.mu.Unlock()
	b.publish(Event{Kind: EventSyncStarted, IntegrationID: b.integrationID, Filter: &filter})
}

// endSync returns to connected and emits the outcome event. A failed sync
// keeps the adapter connected; the integration row carries the error status.
func (b *base) endSync(filter model.SyncFilter, result *model.SyncResult, err error) {
	b.mu.Lock()
	b.state = StateConnected
	b.mu.Unlock()
	if err != nil {
		b.publish(Event{Kind: EventSyncFailed, IntegrationID: b.integrationID, Filter: &filter, Details: err.Error()})
		return
	}
	b.publish(Event{Kind: EventSyncCompleted, IntegrationID: b.integrationID, Filter: &filter, Counts: result})
}
