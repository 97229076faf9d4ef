package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/collab"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame is the JSON wire envelope as the client sees it. Data stays raw so
// each handler decodes only what it needs.
type Frame struct {
	Type            string          `json:"type"`
	RequestID       string          `json:"requestId,omitempty"`
	WorkspaceID     string          `json:"workspaceId,omitempty"`
	ResourceID      string          `json:"resourceId,omitempty"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	Body            json.RawMessage `json:"body,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// RemoteError is an error frame answering one of the client's requests.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case "unauthorized":
		return target == collab.ErrUnauthenticated
	case "forbidden":
		return target == collab.ErrForbidden
	case "not_found":
		return target == collab.ErrNotFound
	case "version_conflict":
		return target == collab.ErrVersionConflict
	case "bad_request":
		return target == collab.ErrInvalidInput
	default:
		return false
	}
}

// Handler receives every frame that is not the reply to a request, in the
// order the server sent them. It runs on the receive goroutine and must
// not block on further requests.
type Handler func(Frame)

type ClientOptions struct {
	URL         string
	Token       string
	HTTPClient  *http.Client
	Handler     Handler
	Clock       clock.Clock
	Logger      *zerolog.Logger
	DialTimeout time.Duration
}

type Client struct {
	conn    *websocket.Conn
	handler Handler
	clock   clock.Clock
	logger  zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan Frame
	err     error
	done    chan struct{}
}

// Dial opens a socket to the sync server and starts receiving.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	endpoint := strings.TrimSpace(opts.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("url is required")
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("token is required")
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + strings.TrimSpace(opts.Token)}},
		Subprotocols: []string{httpapi.SubprotocolJSON},
	})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("%w: dial %s: %v", collab.ErrUnauthenticated, endpoint, err)
			case http.StatusForbidden:
				return nil, fmt.Errorf("%w: dial %s: %v", collab.ErrForbidden, endpoint, err)
			}
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Client{
		conn:    conn,
		handler: opts.Handler,
		clock:   clk,
		logger:  logger.With().Str("component", "sync-client").Logger(),
		waiters: map[string]chan Frame{},
		done:    make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

// Done is closed once the socket is gone; Err then says why.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	<-c.done
	return err
}

func (c *Client) Join(ctx context.Context, workspaceID string) (collab.MembersSnapshot, error) {
	var snapshot collab.MembersSnapshot
	reply, err := c.request(ctx, Frame{Type: "workspace:join", WorkspaceID: workspaceID})
	if err != nil {
		return snapshot, err
	}
	err = json.Unmarshal(reply.Data, &snapshot)
	return snapshot, err
}

func (c *Client) Leave(ctx context.Context, workspaceID string) error {
	_, err := c.request(ctx, Frame{Type: "workspace:leave", WorkspaceID: workspaceID})
	return err
}

func (c *Client) Members(ctx context.Context, workspaceID string) (collab.MembersSnapshot, error) {
	var snapshot collab.MembersSnapshot
	reply, err := c.request(ctx, Frame{Type: "presence:members", WorkspaceID: workspaceID})
	if err != nil {
		return snapshot, err
	}
	err = json.Unmarshal(reply.Data, &snapshot)
	return snapshot, err
}

func (c *Client) Heartbeat(ctx context.Context, workspaceID string) error {
	_, err := c.request(ctx, Frame{Type: "presence:heartbeat", WorkspaceID: workspaceID})
	return err
}

// RunHeartbeats sends a heartbeat every interval until ctx ends or the
// socket closes. A failed heartbeat is logged and the loop carries on.
func (c *Client) RunHeartbeats(ctx context.Context, workspaceID string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.Heartbeat(hbCtx, workspaceID)
			cancel()
			if err != nil {
				c.logger.Warn().Err(err).Str("workspace", workspaceID).Msg("heartbeat failed")
			}
		}
	}
}

func (c *Client) Load(ctx context.Context, workspaceID, resourceID string) (collab.Document, error) {
	var doc collab.Document
	reply, err := c.request(ctx, Frame{Type: "document:load", WorkspaceID: workspaceID, ResourceID: resourceID})
	if err != nil {
		return doc, err
	}
	err = json.Unmarshal(reply.Data, &doc)
	return doc, err
}

// Save submits a full snapshot. A nil expectedVersion asks for a plain
// last-write-wins overwrite.
func (c *Client) Save(ctx context.Context, workspaceID, resourceID string, body json.RawMessage, expectedVersion *int64) (collab.DocumentNotice, error) {
	var notice collab.DocumentNotice
	reply, err := c.request(ctx, Frame{
		Type:            "document:save",
		WorkspaceID:     workspaceID,
		ResourceID:      resourceID,
		ExpectedVersion: expectedVersion,
		Body:            body,
	})
	if err != nil {
		return notice, err
	}
	err = json.Unmarshal(reply.Data, &notice)
	return notice, err
}

func (c *Client) request(ctx context.Context, frame Frame) (Frame, error) {
	frame.RequestID = ulid.Make().String()
	reply := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Frame{}, err
	}
	c.waiters[frame.RequestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, frame.RequestID)
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		return Frame{}, fmt.Errorf("send %s: %w", frame.Type, err)
	}
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, c.Err()
	case resp := <-reply:
		if resp.Type == collab.TypeError {
			var payload collab.ErrorPayload
			if err := json.Unmarshal(resp.Data, &payload); err != nil {
				return Frame{}, fmt.Errorf("decode error frame: %w", err)
			}
			return Frame{}, &RemoteError{Code: payload.Code, Message: payload.Message}
		}
		return resp, nil
	}
}

func (c *Client) receive() {
	defer close(c.done)
	for {
		var frame Frame
		err := wsjson.Read(context.Background(), c.conn, &frame)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = collab.ErrClosed
			} else {
				err = fmt.Errorf("%w: %v", collab.ErrClosed, err)
			}
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.logger.Debug().Err(err).Msg("receive loop stopped")
			return
		}
		if frame.RequestID != "" {
			c.mu.Lock()
			waiter, ok := c.waiters[frame.RequestID]
			c.mu.Unlock()
			if ok {
				select {
				case waiter <- frame:
				default:
				}
				continue
			}
		}
		if c.handler != nil {
			c.handler(frame)
		}
	}
}

// IsClosed reports whether err means the socket went away, so a caller
// should redial and refetch.
func IsClosed(err error) bool {
	return errors.Is(err, collab.ErrClosed)
}
