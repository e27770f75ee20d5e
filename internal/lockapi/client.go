package lockapi

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
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BrandonDHaskell/lockwarden/internal/clock"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/types"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
	"github.com/BrandonDHaskell/lockwarden/internal/retry"
)

const (
	DefaultBaseURL = "https://smartlocks.burgcloud.com/burg/rest"
	DefaultTimeout = 30 * time.Second

	// tokenLifetime is what the cloud grants; tokens are renewed tokenRefreshSkew early.
	tokenLifetime    = time.Hour
	tokenRefreshSkew = 5 * time.Minute

	maxResponseSize = 10 * 1024 * 1024
)

var (
	ErrNotConfigured = errors.New("lock cloud credentials not configured")
	ErrAuthFailed    = errors.New("lock cloud authentication failed")
	ErrNoToken       = errors.New("no token in login response")
)

// StatusError is a non-2xx response from the cloud.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Transient reports whether the request may succeed when repeated.
func (e *StatusError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type Config struct {
	BaseURL  string
	Email    string
	Password string

	// Timeout bounds every single HTTP request.
	Timeout time.Duration

	// RequestsPerSecond throttles outbound calls; 0 disables throttling.
	RequestsPerSecond float64
	Burst             int

	// RFIDLocations are the locations whose whitelists RevokeCard edits.
	RFIDLocations []string

	HTTPClient *http.Client
	Clock      clock.Clock
}

// Client talks to the lock cloud. It is safe for concurrent use.
type Client struct {
	baseURL   string
	email     string
	password  string
	locations []string
	http      *http.Client
	limiter   *rate.Limiter
	clock     clock.Clock

	mu      sync.Mutex
	token   string
	expires time.Time
}

func New(cfg Config) (*Client, error) {
	if cfg.Email == "" || cfg.Password == "" {
		return nil, ErrNotConfigured
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	c := cfg.Clock
	if c == nil {
		c = clock.System{}
	}

	return &Client{
		baseURL:   base,
		email:     cfg.Email,
		password:  cfg.Password,
		locations: cfg.RFIDLocations,
		http:      hc,
		limiter:   limiter,
		clock:     c,
	}, nil
}

// ── Authentication ───────────────────────────────────────────────────────────

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login obtains a fresh token.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	q := url.Values{}
	q.Set("fetch-user-data", "false")
	q.Set("ui-permissions-only", "true")

	var out loginResponse
	err := c.send(ctx, http.MethodPost, "/m2mgate/authentication/login", q,
		loginRequest{Email: c.email, Password: c.password}, "", &out)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrAuthFailed, err))
		}
		return classify(fmt.Errorf("login: %w", err))
	}
	if out.Token == "" {
		return ErrNoToken
	}

	c.token = out.Token
	c.expires = c.clock.Now().Add(tokenLifetime)
	logger.Debug(ctx, "Lock cloud login successful")
	return nil
}

// currentToken returns a token valid for at least tokenRefreshSkew.
func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" || !c.clock.Now().Before(c.expires.Add(-tokenRefreshSkew)) {
		if err := c.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

func (c *Client) invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}

// ── Requests ─────────────────────────────────────────────────────────────────

// do performs an authenticated request, logging in again once on 401.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	token, err := c.currentToken(ctx)
	if err != nil {
		return err
	}

	err = c.send(ctx, method, path, q, in, token, out)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		return classify(err)
	}

	logger.Warn(ctx, "Lock cloud token rejected, re-authenticating")
	c.invalidate(token)
	if token, err = c.currentToken(ctx); err != nil {
		return err
	}
	return classify(c.send(ctx, method, path, q, in, token, out))
}

func (c *Client) send(ctx context.Context, method, path string, q url.Values, in any, token string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return retry.Permanent(fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Auth-Token", token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	logger.DebugKV(ctx, "Lock cloud request",
		"method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// classify marks client errors other than 429 as permanent.
func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) && !se.Transient() {
		return retry.Permanent(err)
	}
	return err
}

// ── Lock status ──────────────────────────────────────────────────────────────

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
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

type device struct {
	ID                flexString `json:"id"`
	Locked            bool       `json:"locked"`
	LastUsedRFID      string     `json:"lastUsedRfid"`
	LastOpenCloseDate string     `json:"lastOpenCloseDate"`
	LocationID        flexString `json:"locationId"`
}

// devices decodes either a list of devices or a single device object.
type devices []device

func (d *devices) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var list []device
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*d = list
		return nil
	}
	var one device
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*d = devices{one}
	return nil
}

// FetchStatuses lists the locks of every unit. Units that fail are logged
// and skipped; an error is returned only when no unit could be read.
func (c *Client) FetchStatuses(ctx context.Context, units []string) ([]types.LockStatus, error) {
	var (
		out  []types.LockStatus
		errs []error
		ok   int
	)

	for _, unit := range units {
		q := url.Values{}
		q.Set("orga-unit-id", unit)

		var list devices
		if err := c.do(ctx, http.MethodGet, "/device/lock", q, nil, &list); err != nil {
			logger.WarnKV(ctx, "Lock status fetch failed for unit", "unit_id", unit, "error", err)
			errs = append(errs, fmt.Errorf("unit %s: %w", unit, err))
			continue
		}
		ok++

		for _, d := range list {
			out = append(out, toStatus(ctx, unit, d))
		}
		logger.DebugKV(ctx, "Lock statuses fetched", "unit_id", unit, "locks", len(list))
	}

	if ok == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func toStatus(ctx context.Context, unit string, d device) types.LockStatus {
	st := types.LockStatus{
		UnitID:      unit,
		LocationID:  string(d.LocationID),
		LockID:      string(d.ID),
		Locked:      d.Locked,
		LastCardUID: strings.TrimSpace(d.LastUsedRFID),
	}
	if st.LocationID == "" {
		st.LocationID = unit
	}
	if st.LockID == "" {
		st.LockID = "unknown"
	}

	if d.LastOpenCloseDate != "" {
		t, err := time.Parse(time.RFC3339Nano, d.LastOpenCloseDate)
		if err != nil {
			logger.WarnKV(ctx, "Invalid lock timestamp", "lock_id", st.LockID, "value", d.LastOpenCloseDate)
		} else {
			st.LockedSince = t.UTC()
		}
	}
	return st
}

// ── Revocation ───────────────────────────────────────────────────────────────

type rfidList struct {
	ID       flexString `json:"id"`
	Name     string     `json:"name"`
	RFIDList string     `json:"rfidList"`
}

type rfidListUpdate struct {
	ID         flexString `json:"id"`
	Name       string     `json:"name"`
	ListType   string     `json:"listType"`
	RFIDList   string     `json:"rfidList"`
	LocationID int        `json:"locationId"`
}

// RevokeCard removes the card from every whitelist of the configured
// locations. A card present in no list is not an error.
func (c *Client) RevokeCard(ctx context.Context, cardUID string) error {
	cardUID = strings.TrimSpace(cardUID)
	if cardUID == "" {
		return retry.Permanent(errors.New("revoke: empty card uid"))
	}

	var (
		errs    []error
		removed int
	)
	for _, loc := range c.locations {
		n, err := c.revokeAt(ctx, loc, cardUID)
		if err != nil {
			errs = append(errs, fmt.Errorf("location %s: %w", loc, err))
			continue
		}
		removed += n
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	if removed == 0 {
		logger.InfoKV(ctx, "Card not found in any RFID list", "card_uid", cardUID)
	} else {
		logger.InfoKV(ctx, "Card revoked in lock cloud", "card_uid", cardUID, "lists", removed)
	}
	return nil
}

func (c *Client) revokeAt(ctx context.Context, location, cardUID string) (int, error) {
	base := "/orga-unit/locations/" + url.PathEscape(location) + "/rfid-lists"

	var lists []rfidList
	if err := c.do(ctx, http.MethodGet, base, nil, nil, &lists); err != nil {
		return 0, err
	}

	removed := 0
	for _, l := range lists {
		if l.ID == "" || l.RFIDList == "" {
			continue
		}
		next, changed := removeUID(l.RFIDList, cardUID)
		if !changed {
			continue
		}

		upd := rfidListUpdate{
			ID:       l.ID,
			Name:     l.Name,
			ListType: "WhiteList",
			RFIDList: next,
		}
		if err := c.do(ctx, http.MethodPut, base+"/"+url.PathEscape(string(l.ID)), nil, upd, nil); err != nil {
			return removed, fmt.Errorf("update list %s: %w", l.ID, err)
		}
		removed++
	}
	return removed, nil
}

// removeUID drops every entry equal to uid (case-insensitive) from a
// comma-separated list.
func removeUID(list, uid string) (string, bool) {
	parts := strings.Split(list, ",")
	kept := parts[:0]
	changed := false
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.EqualFold(p, uid) {
			changed = true
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, ","), changed
}
