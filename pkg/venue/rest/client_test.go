package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tradeledger/internal/model"
)

const filledsBody = `{"status":"OK","orders":[
 {"execId":"X-3","orderId":"O-2","accountId":{"id":"ACC"},"transactTime":"20250810-13:00:03.000"},
 {"execId":"X-1","orderId":"O-1","accountId":{"id":"ACC"},"transactTime":"20250810-13:00:01.000"},
 {"execId":"X-0","orderId":"O-0","accountId":{"id":"ACC"},"transactTime":"20250810-12:00:00.000"},
 {"execId":"X-2","orderId":"O-1","accountId":{"id":"ACC"},"transactTime":"20250810-13:00:02.000"}
]}`

func newVenue(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/", "user", "secret")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPollRange_SortsFiltersAndCaps(t *testing.T) {
	var logins int32
	c := newVenue(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenPath:
			atomic.AddInt32(&logins, 1)
			if r.Header.Get("X-Username") != "user" || r.Header.Get("X-Password") != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("X-Auth-Token", "tok")
		case filledsPath:
			if r.Header.Get("X-Auth-Token") != "tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.URL.Query().Get("accountId") != "ACC" || r.URL.Query().Get("from") != "20250810-13:00:00" {
				t.Errorf("query = %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(filledsBody))
		default:
			http.NotFound(w, r)
		}
	})

	from := time.Date(2025, 8, 10, 13, 0, 0, 0, time.UTC)
	events, err := c.PollRange(context.Background(), "ACC", from, from.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("PollRange: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Fields["execId"] != "X-1" || events[1].Fields["execId"] != "X-2" {
		t.Errorf("order = %v, %v", events[0].Fields["execId"], events[1].Fields["execId"])
	}
	if events[0].Source != model.SourceRest {
		t.Errorf("source = %s", events[0].Source)
	}

	if _, err := c.PollRange(context.Background(), "ACC", from, from.Add(time.Hour), 10); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&logins); n != 1 {
		t.Errorf("logins = %d, want token reuse", n)
	}
}

func TestPollRange_RelogsInOnExpiredToken(t *testing.T) {
	var logins int32
	c := newVenue(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case tokenPath:
			n := atomic.AddInt32(&logins, 1)
			if n == 1 {
				w.Header().Set("X-Auth-Token", "stale")
			} else {
				w.Header().Set("X-Auth-Token", "fresh")
			}
		case filledsPath:
			if r.Header.Get("X-Auth-Token") != "fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"status":"OK","orders":[]}`))
		}
	})
	events, err := c.PollRange(context.Background(), "ACC", time.Now().Add(-time.Hour), time.Now(), 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("events=%v err=%v", events, err)
	}
	if atomic.LoadInt32(&logins) != 2 {
		t.Errorf("logins = %d, want 2", logins)
	}
}

func TestPollRange_AuthFailureIsUnrecoverable(t *testing.T) {
	c := newVenue(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := c.PollRange(context.Background(), "ACC", time.Now().Add(-time.Hour), time.Now(), 10)
	if !errors.Is(err, model.ErrUnrecoverable) {
		t.Fatalf("err = %v, want ErrUnrecoverable", err)
	}
}

func TestPollRange_RateLimitIsRetryable(t *testing.T) {
	c := newVenue(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == tokenPath {
			w.Header().Set("X-Auth-Token", "tok")
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.PollRange(context.Background(), "ACC", time.Now().Add(-time.Hour), time.Now(), 10)
	var serr *model.SourceError
	if !errors.As(err, &serr) || errors.Is(err, model.ErrUnrecoverable) {
		t.Fatalf("err = %v, want retryable SourceError", err)
	}
}

func TestPollRange_VenueErrorStatus(t *testing.T) {
	c := newVenue(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == tokenPath {
			w.Header().Set("X-Auth-Token", "tok")
			return
		}
		_, _ = w.Write([]byte(`{"status":"ERROR","description":"account not found"}`))
	})
	_, err := c.PollRange(context.Background(), "ACC", time.Now().Add(-time.Hour), time.Now(), 10)
	var serr *model.SourceError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want SourceError", err)
	}
}

func TestNewClient_InvalidURL(t *testing.T) {
	if _, err := NewClient("not a url", "u", "p"); err == nil {
		t.Fatal("expected error")
	}
}
