// Package rest is the pull transport: token login plus the filled-orders range query.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"tradeledger/internal/model"
	"tradeledger/internal/normalizer"
)

const (
	tokenPath   = "/auth/getToken"
	filledsPath = "/rest/order/filleds"

	// venue query parameter layout, UTC
	queryTimeLayout = "20060102-15:04:05"
)

type Client struct {
	url        string
	user       string
	password   string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

func NewClient(rawUrl, user, password string) (*Client, error) {
	parsedUrl, err := url.Parse(rawUrl)
	if err != nil || parsedUrl.Scheme == "" || parsedUrl.Host == "" {
		return nil, fmt.Errorf("invalid URL: %s", rawUrl)
	}
	if len(parsedUrl.Path) > 0 && parsedUrl.Path[len(parsedUrl.Path)-1:] == "/" {
		parsedUrl.Path = parsedUrl.Path[:len(parsedUrl.Path)-1]
	}
	return &Client{
		url:        parsedUrl.String(),
		user:       user,
		password:   password,
		httpClient: &http.Client{},
	}, nil
}

// Token returns the cached session token, logging in when there is none.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("X-Username", c.user)
	req.Header.Set("X-Password", c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &model.SourceError{Op: "login", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if err := statusError("login", resp); err != nil {
		return "", err
	}
	token := resp.Header.Get("X-Auth-Token")
	if token == "" {
		return "", &model.SourceError{Op: "login", Err: fmt.Errorf("%w: no token in response", model.ErrUnrecoverable)}
	}
	c.token = token
	return token, nil
}

func (c *Client) resetToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

type filledsResponse struct {
	Status      string           `json:"status"`
	Description string           `json:"description"`
	Orders      []map[string]any `json:"orders"`
}

// PollRange fetches the account's filled orders whose transact time falls in [from, to],
// oldest first, at most max of them.
func (c *Client) PollRange(ctx context.Context, account string, from, to time.Time, max int) ([]model.RawEvent, error) {
	q := url.Values{}
	q.Set("accountId", account)
	q.Set("from", from.UTC().Format(queryTimeLayout))
	q.Set("to", to.UTC().Format(queryTimeLayout))

	var res filledsResponse
	err := c.get(ctx, filledsPath+"?"+q.Encode(), &res)
	if errors.Is(err, errExpiredToken) {
		// session tokens expire, log in again once
		c.resetToken()
		err = c.get(ctx, filledsPath+"?"+q.Encode(), &res)
		if errors.Is(err, errExpiredToken) {
			err = &model.SourceError{Op: "poll", Err: fmt.Errorf("%w: token rejected", model.ErrUnrecoverable)}
		}
	}
	if err != nil {
		return nil, err
	}
	if res.Status != "" && res.Status != "OK" {
		return nil, &model.SourceError{Op: "poll", Err: fmt.Errorf("venue status %s: %s", res.Status, res.Description)}
	}

	now := time.Now().UTC()
	type stamped struct {
		at  time.Time
		raw map[string]any
	}
	items := make([]stamped, 0, len(res.Orders))
	for _, o := range res.Orders {
		at, perr := normalizer.ParseTimestamp(o["transactTime"])
		if perr == nil && (at.Before(from) || at.After(to)) {
			continue
		}
		// unparseable rows pass through; the normalizer rejects them
		items = append(items, stamped{at: at, raw: o})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].at.Before(items[j].at) })
	if max > 0 && len(items) > max {
		items = items[:max]
	}

	events := make([]model.RawEvent, 0, len(items))
	for _, it := range items {
		if _, ok := it.raw["accountId"]; !ok {
			it.raw["accountId"] = map[string]any{"id": account}
		}
		events = append(events, model.RawEvent{Source: model.SourceRest, Fields: it.raw, ReceivedAt: now})
	}
	return events, nil
}

var errExpiredToken = errors.New("token expired")

func (c *Client) get(ctx context.Context, path string, result any) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create new request: %w", err)
	}
	req.Header.Set("X-Auth-Token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &model.SourceError{Op: "poll", Err: fmt.Errorf("failed to execute request (network error): %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errExpiredToken
	}
	if err := statusError("poll", resp); err != nil {
		return err
	}
	byteData, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.SourceError{Op: "poll", Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if err := json.Unmarshal(byteData, result); err != nil {
		return &model.SourceError{Op: "poll", Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return nil
}

// statusError maps non-OK statuses. Auth failures are unrecoverable; everything else
// (429 included) is left to the caller's backoff.
func statusError(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &model.SourceError{Op: op, Err: fmt.Errorf("%w: %s", model.ErrUnrecoverable, resp.Status)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &model.SourceError{Op: op, Err: fmt.Errorf("received 429 Too Many Requests")}
	default:
		return &model.SourceError{Op: op, Err: fmt.Errorf("received non-OK HTTP status: %s", resp.Status)}
	}
}
