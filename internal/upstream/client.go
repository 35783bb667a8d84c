// Package upstream talks to the CGM provider's Dexcom Share-compatible API.
// It exposes the single operation spec §4.B requires: fetch readings within
// a duration, refreshing the upstream session internally when needed.
//
// Grounded in internal/reddit.Client: a shared *http.Client with a tuned
// Transport, a fastjson.ParserPool for allocation-light decoding, and statsd
// call/latency/error counters on every request. Client-side throttling
// (golang.org/x/time/rate) is grounded in albapepper-scoracle-data's
// SportMonks client, which rate-limits outbound calls per upstream account
// rather than relying solely on the caller's own backoff.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/valyala/fastjson"
	"golang.org/x/time/rate"

	"github.com/dexlive/glucagon/internal/domain"
)

var baseURLs = map[domain.AccountLocation]string{
	domain.AccountLocationUS:  "https://share2.dexcom.com/ShareWebServices/Services",
	domain.AccountLocationOUS: "https://shareous1.dexcom.com/ShareWebServices/Services",
	domain.AccountLocationJP:  "https://share.dexcom.jp/ShareWebServices/Services",
}

const applicationID = "d8665ade-9673-4e27-9ff6-92db4ce13d13"

// Credentials carries the per-activity upstream identity. A fresh
// SessionID/AccountID pair is only required once login succeeds once;
// subsequent fetches reuse it until the upstream rejects it.
type Credentials struct {
	Username  string
	Password  string
	AccountID string
	SessionID string
}

// FetchResult is returned by Fetch. On error it carries no readings, only
// any refreshed session handles. RefreshedAccountID and RefreshedSessionID
// are set only when the fetcher had to (re-)authenticate during the call; the caller must persist them on every reschedule per
// spec §9's session-handle-upgrade note.
type FetchResult struct {
	Readings           []domain.Reading
	RefreshedAccountID string
	RefreshedSessionID string
}

// Client is a CGM provider client shared across all activities; per-location
// rate limiters are created lazily and cached.
type Client struct {
	http   *http.Client
	pool   *fastjson.ParserPool
	statsd statsd.ClientInterface

	mu       sync.Mutex
	limiters map[domain.AccountLocation]*rate.Limiter
	rps      float64
}

func NewClient(statsdClient statsd.ClientInterface, requestsPerSecond float64) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 8
	t.IdleConnTimeout = 60 * time.Second
	t.ResponseHeaderTimeout = 10 * time.Second

	return &Client{
		http:     &http.Client{Transport: t},
		pool:     &fastjson.ParserPool{},
		statsd:   statsdClient,
		limiters: make(map[domain.AccountLocation]*rate.Limiter),
		rps:      requestsPerSecond,
	}
}

func (c *Client) limiter(loc domain.AccountLocation) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[loc]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.rps), 1)
		c.limiters[loc] = l
	}
	return l
}

// Fetch returns readings ordered by timestamp ascending, along with any
// refreshed session handles. It performs a login internally when no
// SessionID is present, and logs in once more if the readings call then
// reports the session expired.
func (c *Client) Fetch(ctx context.Context, creds Credentials, loc domain.AccountLocation, duration time.Duration) (FetchResult, error) {
	if !loc.Valid() {
		return FetchResult{}, ClientHardError{Reason: fmt.Sprintf("unknown account location %q", loc)}
	}

	if err := c.limiter(loc).Wait(ctx); err != nil {
		return FetchResult{}, GenericError{Err: err}
	}

	sessionID := creds.SessionID
	accountID := creds.AccountID
	var refreshedAccount, refreshedSession string

	if sessionID == "" {
		var err error
		accountID, sessionID, err = c.login(ctx, loc, creds)
		if err != nil {
			return FetchResult{}, err
		}
		refreshedAccount, refreshedSession = accountID, sessionID
	}

	readings, err := c.fetchReadings(ctx, loc, sessionID, duration)
	if err == ErrLoginRequired {
		accountID, sessionID, err = c.login(ctx, loc, creds)
		if err != nil {
			return FetchResult{}, err
		}
		refreshedAccount, refreshedSession = accountID, sessionID

		readings, err = c.fetchReadings(ctx, loc, sessionID, duration)
	}

	if err != nil {
		// Even on failure, a login that happened above may have produced a
		// fresh session the caller needs to persist, or the next cycle
		// re-logs in all over again.
		return FetchResult{RefreshedAccountID: refreshedAccount, RefreshedSessionID: refreshedSession}, err
	}

	sort.Slice(readings, func(i, j int) bool { return readings[i].Date.Before(readings[j].Date) })

	return FetchResult{
		Readings:           readings,
		RefreshedAccountID: refreshedAccount,
		RefreshedSessionID: refreshedSession,
	}, nil
}

func (c *Client) login(ctx context.Context, loc domain.AccountLocation, creds Credentials) (accountID, sessionID string, err error) {
	tags := []string{"provider:dexcom", "op:login"}
	start := time.Now()
	defer func() {
		_ = c.statsd.Histogram("upstream.latency", float64(time.Since(start).Milliseconds()), tags, 1)
	}()

	body := fmt.Sprintf(`{"accountName":%q,"password":%q,"applicationId":%q}`, creds.Username, creds.Password, applicationID)

	bb, status, err := c.do(ctx, loc, "/General/LoginPublisherAccountByName", body)
	if err != nil {
		_ = c.statsd.Incr("upstream.errors", tags, 1)
		return "", "", GenericError{Err: err}
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		_ = c.statsd.Incr("upstream.auth_rejected", tags, 1)
		return "", "", ClientHardError{Reason: "invalid credentials"}
	}

	if status >= 500 {
		return "", "", GenericError{Err: fmt.Errorf("dexcom returned %d", status)}
	}

	if status != http.StatusOK {
		return "", "", DecodingError{StatusCode: status, Body: bb}
	}

	parser := c.pool.Get()
	defer c.pool.Put(parser)

	val, perr := parser.ParseBytes(bb)
	if perr != nil {
		return "", "", DecodingError{StatusCode: status, Body: bb}
	}

	sessionID = strings.Trim(val.String(), `"`)
	if sessionID == "" || sessionID == "00000000-0000-0000-0000-000000000000" {
		return "", "", ClientHardError{Reason: "account disabled or rejected login"}
	}

	return creds.AccountID, sessionID, nil
}

func (c *Client) fetchReadings(ctx context.Context, loc domain.AccountLocation, sessionID string, duration time.Duration) ([]domain.Reading, error) {
	tags := []string{"provider:dexcom", "op:readings"}
	start := time.Now()
	defer func() {
		_ = c.statsd.Histogram("upstream.latency", float64(time.Since(start).Milliseconds()), tags, 1)
	}()

	minutes := int(duration / time.Minute)
	if minutes < 1 {
		minutes = 1
	}

	path := fmt.Sprintf("/Publisher/ReadPublisherLatestGlucoseValues?sessionId=%s&minutes=%d&maxCount=288", sessionID, minutes)

	bb, status, err := c.do(ctx, loc, path, "")
	if err != nil {
		_ = c.statsd.Incr("upstream.errors", tags, 1)
		return nil, GenericError{Err: err}
	}

	switch status {
	case http.StatusOK:
		// fallthrough to parse
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrLoginRequired
	case http.StatusTooManyRequests:
		return nil, DecodingError{StatusCode: status, Body: bb}
	default:
		if status >= 500 {
			return nil, GenericError{Err: fmt.Errorf("dexcom returned %d", status)}
		}
		return nil, DecodingError{StatusCode: status, Body: bb}
	}

	return parseReadings(c.pool, bb, status)
}

func parseReadings(pool *fastjson.ParserPool, bb []byte, status int) ([]domain.Reading, error) {
	parser := pool.Get()
	defer pool.Put(parser)

	val, err := parser.ParseBytes(bb)
	if err != nil {
		return nil, DecodingError{StatusCode: status, Body: bb}
	}

	items, err := val.Array()
	if err != nil {
		return nil, DecodingError{StatusCode: status, Body: bb}
	}

	readings := make([]domain.Reading, 0, len(items))
	for _, item := range items {
		wt := string(item.GetStringBytes("WT"))
		ms := extractEpochMillis(wt)
		if ms == 0 {
			continue
		}

		readings = append(readings, domain.Reading{
			Date:  time.UnixMilli(ms),
			Value: item.GetInt("Value"),
			Trend: trendFromWire(item.GetInt("Trend")),
		})
	}

	return readings, nil
}

// extractEpochMillis pulls the millisecond timestamp out of Dexcom's
// "Date(1699999999000)" wire format.
func extractEpochMillis(wt string) int64 {
	open := strings.IndexByte(wt, '(')
	shut := strings.IndexByte(wt, ')')
	if open < 0 || shut < 0 || shut <= open+1 {
		return 0
	}

	digits := wt[open+1 : shut]
	// strip a trailing timezone offset such as "1699999999000-0500"
	if idx := strings.IndexAny(digits, "+-"); idx > 0 {
		digits = digits[:idx]
	}

	var ms int64
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0
		}
		ms = ms*10 + int64(r-'0')
	}
	return ms
}

func trendFromWire(v int) domain.Trend {
	switch v {
	case 1:
		return domain.TrendDoubleUp
	case 2:
		return domain.TrendSingleUp
	case 3:
		return domain.TrendFortyFiveUp
	case 4:
		return domain.TrendFlat
	case 5:
		return domain.TrendFortyFiveDown
	case 6:
		return domain.TrendSingleDown
	case 7:
		return domain.TrendDoubleDown
	case 8:
		return domain.TrendNotComputable
	case 9:
		return domain.TrendRateOutOfRange
	default:
		return domain.TrendNone
	}
}

func (c *Client) do(ctx context.Context, loc domain.AccountLocation, path, body string) ([]byte, int, error) {
	url := baseURLs[loc] + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if strings.Contains(err.Error(), "context deadline exceeded") {
			return nil, 0, fmt.Errorf("timeout calling dexcom: %w", err)
		}
		return nil, 0, err
	}
	defer resp.Body.Close()

	bb, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return bb, resp.StatusCode, nil
}
