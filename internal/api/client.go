package api

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/AcqBridge/internal/acquisition"
)

// noDeadline clears a connection deadline
var noDeadline time.Time

// Client is the controller side of /api/events.
type Client struct {
	conn *websocket.Conn

	// OnNotification, when set, receives notifications read while waiting
	// for a reply.
	OnNotification func(n acquisition.Notification)

	mu sync.Mutex
}

// Dial connects to the event source at host:port.
func Dial(ctx context.Context, host string, port int) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port), Path: "/api/events"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Acquire submits events to the acquisition. A rejection matches
// acquisition.ErrAcquisitionComplete or acquisition.ErrInvalidEvent.
func (c *Client) Acquire(ctx context.Context, events []acquisition.Event) error {
	_, err := c.request(ctx, Command{Command: CommandAcquire, Events: events})
	return err
}

// Finish tells the acquisition that no more events follow.
func (c *Client) Finish(ctx context.Context) error {
	_, err := c.request(ctx, Command{Command: CommandFinish})
	return err
}

// Abort asks the event source to abort the acquisition.
func (c *Client) Abort(ctx context.Context) error {
	_, err := c.request(ctx, Command{Command: CommandAbort})
	return err
}

// Status returns the state of the acquisition.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	reply, err := c.request(ctx, Command{Command: CommandStatus})
	if err != nil {
		return nil, err
	}
	if reply.Acquisition == nil {
		return nil, fmt.Errorf("status reply carries no acquisition")
	}
	return reply.Acquisition, nil
}

// Watch delivers notifications to fn until the source closes the connection
// or ctx is done. A source going away ends Watch without an error.
func (c *Client) Watch(ctx context.Context, fn func(n acquisition.Notification)) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("failed to read from event source: %w", err)
		}
		if msg.Type == TypeNotification && msg.Notification != nil {
			fn(*msg.Notification)
		}
	}
}

func (c *Client) request(ctx context.Context, cmd Command) (Message, error) {
	command := cmd.Command

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetReadDeadline(noDeadline)
		defer c.conn.SetWriteDeadline(noDeadline)
	}

	if err := c.conn.WriteJSON(cmd); err != nil {
		return Message{}, fmt.Errorf("failed to send %s: %w", command, err)
	}

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return Message{}, fmt.Errorf("failed to read reply to %s: %w", command, err)
		}
		switch msg.Type {
		case TypeNotification:
			if c.OnNotification != nil && msg.Notification != nil {
				c.OnNotification(*msg.Notification)
			}
		case TypeReply:
			if msg.Command != command {
				continue
			}
			if msg.Error != "" {
				return msg, &ReplyError{Command: command, Code: msg.Code, Message: msg.Error}
			}
			return msg, nil
		}
	}
}
