package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const subscriptionReadLimit = 1 << 20

// Subscription is a live event stream. Next yields payloads until the
// stream ends or Close is called.
type Subscription struct {
	conn      *websocket.Conn
	document  string
	closeOnce sync.Once
	closed    chan struct{}
}

// Subscribe opens a websocket to the backend and registers the document. It
// returns once the backend has acknowledged the subscription.
func (c *Client) Subscribe(ctx context.Context, document string, variables map[string]any) (*Subscription, error) {
	kind, _, ok := OperationName(document)
	if !ok || kind != "subscription" {
		return nil, ErrInvalidDocument
	}
	header := http.Header{}
	c.setHeaders(header)
	conn, _, err := websocket.Dial(ctx, websocketURL(c.baseURL)+"/v1/subscribe", &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(subscriptionReadLimit)
	if err := wsjson.Write(ctx, conn, Operation{Document: document, Variables: variables}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, err
	}
	// The server acknowledges with an empty frame once it is subscribed.
	var ack Envelope
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "no acknowledgement")
		return nil, fmt.Errorf("subscription ack: %w", err)
	}
	if len(ack.Errors) > 0 {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, &GraphError{Messages: ack.Errors}
	}
	return &Subscription{
		conn:     conn,
		document: document,
		closed:   make(chan struct{}),
	}, nil
}

// Next blocks for the next frame. A frame that carries errors is returned as
// a *GraphError and the stream stays usable; any other error means the
// stream is gone.
func (s *Subscription) Next(ctx context.Context) (json.RawMessage, error) {
	var env Envelope
	if err := wsjson.Read(ctx, s.conn, &env); err != nil {
		select {
		case <-s.closed:
			return nil, ErrClosed
		default:
		}
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("subscription read: %w", err)
	}
	if len(env.Errors) > 0 {
		return nil, &GraphError{Messages: env.Errors}
	}
	return env.Data, nil
}

// Close disposes the stream. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

// Done is closed once Close has been called.
func (s *Subscription) Done() <-chan struct{} {
	return s.closed
}

func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

// IsStreamError reports whether err ended the stream, as opposed to a single
// erroring frame.
func IsStreamError(err error) bool {
	if err == nil {
		return false
	}
	var graphErr *GraphError
	return !errors.As(err, &graphErr)
}
