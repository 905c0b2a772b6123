// Package stream is the websocket push transport for venue order reports.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"tradeledger/internal/model"
	"tradeledger/pkg/logger"
)

const (
	pingInterval = 50 * time.Second
	// 超过 pongWait 没有收到任何帧（含 pong）即认为连接已死
	pongWait = 60 * time.Second
)

// TokenFunc supplies the session token sent on the websocket handshake.
type TokenFunc func(ctx context.Context) (string, error)

type Client struct {
	websocketUrl string
	account      string
	token        TokenFunc
	dialer       *websocket.Dialer
	pingInterval time.Duration
	pongWait     time.Duration
}

func NewClient(rawUrl, account string, token TokenFunc) (*Client, error) {
	if _, err := url.ParseRequestURI(rawUrl); err != nil {
		return nil, errors.New("invalid websocket URL")
	}
	return &Client{
		websocketUrl: rawUrl,
		account:      account,
		token:        token,
		dialer:       websocket.DefaultDialer,
		pingInterval: pingInterval,
		pongWait:     pongWait,
	}, nil
}

type subscribeMessage struct {
	Type               string            `json:"type"`
	Accounts           []accountSelector `json:"accounts"`
	SnapshotOnlyActive bool              `json:"snapshotOnlyActive"`
}

type accountSelector struct {
	ID string `json:"id"`
}

type envelope struct {
	Type        string         `json:"type"`
	OrderReport map[string]any `json:"orderReport"`
}

// Subscribe dials, sends the order-report subscription and returns. Reports are delivered
// to onEvent from a background reader until ctx ends; a dropped connection is reported once
// through onError and ends the subscription.
func (c *Client) Subscribe(ctx context.Context, onEvent func(model.RawEvent), onError func(error)) error {
	header := http.Header{}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}
		header.Set("X-Auth-Token", token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.websocketUrl, header)
	if err != nil {
		return &model.SourceError{Op: "subscribe", Err: err}
	}

	var writeMu sync.Mutex
	write := func(fn func() error) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return fn()
	}

	sub := subscribeMessage{Type: "os", Accounts: []accountSelector{{ID: c.account}}}
	if err := write(func() error { return conn.WriteJSON(sub) }); err != nil {
		conn.Close()
		return &model.SourceError{Op: "subscribe", Err: fmt.Errorf("subscription error: %w", err)}
	}

	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = write(func() error {
					return conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				})
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				err := write(func() error {
					return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				})
				if err != nil {
					logger.Warn("websocket ping failed", logger.Pair("err", err.Error()))
				}
			}
		}
	}()

	alive := func() { _ = conn.SetReadDeadline(time.Now().Add(c.pongWait)) }
	alive()
	conn.SetPongHandler(func(string) error {
		alive()
		return nil
	})

	go func() {
		defer close(done)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					onError(&model.SourceError{Op: "stream", Err: err})
				}
				return
			}
			alive()

			var env envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				logger.Warn("unreadable websocket message", logger.Pair("err", err.Error()))
				continue
			}
			if env.OrderReport == nil {
				continue
			}
			onEvent(model.RawEvent{Source: model.SourceWebsocket, Fields: env.OrderReport, ReceivedAt: time.Now().UTC()})
		}
	}()

	return nil
}
