// Package cloud talks to the Linked-Go vendor API that heat pumps report to.
package cloud

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // the vendor login protocol requires MD5
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

// Error taxonomy for vendor calls.
var (
	ErrTimeout     = errors.New("cloud request timed out")
	ErrUnreachable = errors.New("cloud unreachable")
	ErrAuthFailed  = errors.New("cloud authentication failed")
	ErrMalformed   = errors.New("malformed cloud response")
	ErrRejected    = errors.New("cloud rejected request")
)

const (
	DefaultBaseURL = "https://cloud.linked-go.com:449/crmservice/api"

	codeOK             = "0"
	codeSessionExpired = "-100"

	maxResponseBytes = 4 << 20
	limiterBurst     = 4
)

// DefaultStatusCodes are the protocol codes requested on every status read.
var DefaultStatusCodes = []string{
	"Power", "Mode", "ModeState",
	"T01", "T02", "T03", "T04", "T06", "T11", "T12", "T33", "T39",
	"2054",
	"CP1-1", "CP1-2", "CP1-3", "CP1-4", "CP1-5", "CP1-6", "CP1-7",
}

// Config holds the vendor account and transport settings.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	DeviceCode string
	// Timeout bounds each HTTP exchange, including the login it may trigger.
	Timeout time.Duration
	// RequestsPerMinute paces calls to the vendor. Ingestion calls made
	// through Ingest have their own budget of the same size, so query
	// traffic cannot starve them. Zero disables pacing.
	RequestsPerMinute int
	// Location is the device timezone used for history windows.
	Location    *time.Location
	StatusCodes []string
	HTTPClient  *http.Client
}

// Client is a Linked-Go API client. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	ingest  *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	token string
}

// New creates a Client. No network call is made until the first request.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("cloud: username and password are required")
	}
	if cfg.DeviceCode == "" {
		return nil, errors.New("cloud: device code is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("cloud: parsing base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if len(cfg.StatusCodes) == 0 {
		cfg.StatusCodes = DefaultStatusCodes
	}
	if logger == nil {
		logger = slog.Default()
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	newLimiter := func() *rate.Limiter {
		if cfg.RequestsPerMinute <= 0 {
			return rate.NewLimiter(rate.Inf, 1)
		}
		return rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), limiterBurst)
	}

	return &Client{
		cfg:     cfg,
		http:    hc,
		limiter: newLimiter(),
		ingest:  newLimiter(),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// DeviceCode returns the device this client reads.
func (c *Client) DeviceCode() string {
	return c.cfg.DeviceCode
}

// FetchStatus returns the current device readings.
func (c *Client) FetchStatus(ctx context.Context) (telemetry.Snapshot, error) {
	body := map[string]any{
		"deviceCode":    c.cfg.DeviceCode,
		"protocalCodes": c.cfg.StatusCodes, // sic: vendor spelling
	}
	raw, err := c.call(ctx, "/app/device/getDataByCode", body)
	if err != nil {
		return telemetry.Snapshot{}, fmt.Errorf("fetching status: %w", err)
	}

	var params []struct {
		Code  string     `json:"code"`
		Value flexString `json:"value"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return telemetry.Snapshot{}, fmt.Errorf("%w: decoding status: %w", ErrMalformed, err)
	}

	snap := telemetry.Snapshot{
		ObservedAt: c.now().UTC(),
		Values:     make(map[string]string, len(params)),
	}
	for _, p := range params {
		if p.Code != "" {
			snap.Values[p.Code] = string(p.Value)
		}
	}
	return snap, nil
}

// SendControl writes one protocol code on the device.
func (c *Client) SendControl(ctx context.Context, code, value string) error {
	body := map[string]any{
		"param": []map[string]string{{
			"deviceCode":   c.cfg.DeviceCode,
			"protocolCode": code,
			"value":        value,
		}},
	}
	if _, err := c.call(ctx, "/app/device/control", body); err != nil {
		return fmt.Errorf("sending control %s: %w", code, err)
	}
	c.logger.Info("control sent", "code", code, "value", value)
	return nil
}

// call performs an authenticated request. A session-expired answer causes
// exactly one fresh login and one repeat of the request.
func (c *Client) call(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	token, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	env, err := c.post(ctx, endpoint, body, token)
	if err != nil {
		return nil, err
	}
	if string(env.ErrorCode) == codeSessionExpired {
		c.logger.Info("cloud session expired, logging in again")
		c.invalidate(token)
		if token, err = c.session(ctx); err != nil {
			return nil, err
		}
		if env, err = c.post(ctx, endpoint, body, token); err != nil {
			return nil, err
		}
	}

	switch string(env.ErrorCode) {
	case codeOK:
		return env.ObjectResult, nil
	case codeSessionExpired:
		return nil, fmt.Errorf("%w: session rejected after login", ErrAuthFailed)
	default:
		return nil, fmt.Errorf("%w: %s: code %s: %s", ErrRejected, endpoint, env.ErrorCode, env.ErrorMsg)
	}
}

func (c *Client) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

func (c *Client) invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}

func (c *Client) login(ctx context.Context) (string, error) {
	sum := md5.Sum([]byte(c.cfg.Password)) //nolint:gosec
	body := map[string]string{
		"userName":    c.cfg.Username,
		"password":    hex.EncodeToString(sum[:]),
		"loginSource": "Android",
		"type":        "2",
		"areaCode":    "sv",
		"appId":       "16",
	}

	env, err := c.post(ctx, "/app/user/login", body, "")
	if err != nil {
		return "", fmt.Errorf("logging in: %w", err)
	}
	if string(env.ErrorCode) != codeOK {
		return "", fmt.Errorf("%w: code %s: %s", ErrAuthFailed, env.ErrorCode, env.ErrorMsg)
	}

	var obj struct {
		Token  string     `json:"x-token"`
		UserID flexString `json:"userId"`
	}
	if err := json.Unmarshal(env.ObjectResult, &obj); err != nil {
		return "", fmt.Errorf("%w: decoding login: %w", ErrMalformed, err)
	}
	if obj.Token == "" {
		return "", fmt.Errorf("%w: login returned no token", ErrAuthFailed)
	}
	c.logger.Debug("cloud login ok", "user_id", string(obj.UserID))
	return obj.Token, nil
}

type envelope struct {
	ErrorCode    flexString      `json:"error_code"`
	ErrorMsg     string          `json:"error_msg"`
	ObjectResult json.RawMessage `json:"objectResult"`
}

// post sends one JSON request. The configured timeout covers both the
// rate limiter wait and the exchange.
func (c *Client) post(ctx context.Context, endpoint string, body any, token string) (*envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	limiter := c.limiter
	if isIngest(ctx) {
		limiter = c.ingest
	}
	if err := limiter.Wait(ctx); err != nil {
		// The limiter refuses early when the wait would outlast ctx.
		return nil, fmt.Errorf("%w: waiting for rate limiter: %w", ErrTimeout, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint+"?lang=sv", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", "okhttp/5.1.0")
	if token != "" {
		req.Header.Set("x-token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrAuthFailed, endpoint, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrUnreachable, endpoint, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, endpoint, err)
	}
	if env.ErrorCode == "" {
		return nil, fmt.Errorf("%w: %s: missing error_code", ErrMalformed, endpoint)
	}
	return &env, nil
}

type ingestKey struct{}

func isIngest(ctx context.Context) bool {
	v, _ := ctx.Value(ingestKey{}).(bool)
	return v
}

// Ingester is the view of a Client used by the poll scheduler and the
// backfiller. Its calls draw on a rate budget separate from query traffic.
type Ingester struct {
	c *Client
}

// Ingest returns the ingestion view of c.
func (c *Client) Ingest() *Ingester {
	return &Ingester{c: c}
}

// FetchStatus is Client.FetchStatus on the ingestion budget.
func (i *Ingester) FetchStatus(ctx context.Context) (telemetry.Snapshot, error) {
	return i.c.FetchStatus(context.WithValue(ctx, ingestKey{}, true))
}

// FetchHistory is Client.FetchHistory on the ingestion budget.
func (i *Ingester) FetchHistory(ctx context.Context, from, to time.Time) ([]telemetry.Snapshot, error) {
	return i.c.FetchHistory(context.WithValue(ctx, ingestKey{}, true), from, to)
}

// classify maps transport failures onto the error taxonomy.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

// flexString decodes a JSON string or number into its text form. The
// vendor is inconsistent about which it sends.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
