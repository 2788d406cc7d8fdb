// Package transport is the websocket link to the collaboration server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/events"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/pendingqueue"
)

// ErrClosed is returned when writing to a disconnected client.
var ErrClosed = errors.New("transport: connection closed")

// Queue is the part of the pending queue the server drives.
type Queue interface {
	Acknowledge(ctx context.Context, revision int64) error
	MarkUndeliverable(ctx context.Context, reason string) error
	MarkAnachronistic(ctx context.Context) error
}

// Options configures Dial.
type Options struct {
	URL       string
	DocID     string
	SessionID string
	Bus       *events.Bus
	Queue     Queue
	// Dialer defaults to websocket.DefaultDialer.
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// Client is one document session's connection.
type Client struct {
	conn         *websocket.Conn
	docID        string
	bus          *events.Bus
	queue        Queue
	writeTimeout time.Duration
	log          *zap.SugaredLogger

	writeMu sync.Mutex
	closed  atomic.Bool
}

// Dial connects to the server for opts.DocID.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	q := u.Query()
	q.Set("docId", opts.DocID)
	u.RawQuery = q.Encode()

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if opts.SessionID != "" {
		header.Set("X-Session-Id", opts.SessionID)
	}

	conn, res, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Redacted(), err)
	}
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	return &Client{
		conn:         conn,
		docID:        opts.DocID,
		bus:          opts.Bus,
		queue:        opts.Queue,
		writeTimeout: opts.WriteTimeout,
		log:          logger.OrNop(opts.Logger).With("doc_id", opts.DocID),
	}, nil
}

// Run reads envelopes until ctx is done or the connection drops. It
// returns nil after a local disconnect.
func (c *Client) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Disconnect()
		case <-stop:
		}
	}()

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if c.closed.Load() || ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Infow("server closed connection")
				return nil
			}
			return fmt.Errorf("transport read failed: %w", err)
		}
		if err := c.dispatch(ctx, env); err != nil {
			c.log.Warnw("failed to handle envelope", "type", env.Type, "error", err)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, env Envelope) error {
	switch env.Type {
	case TypeStorage:
		if env.Storage == nil {
			return errors.New("storage envelope without message")
		}
		msg := *env.Storage
		if msg.DocID == "" {
			msg.DocID = env.DocID
		}
		c.bus.Publish(events.Event{Topic: events.ReceiveStorageMessage, Payload: msg})
		return nil
	case TypeAck:
		if c.queue == nil {
			return nil
		}
		return c.queue.Acknowledge(ctx, env.Revision)
	case TypeUndeliverable:
		if c.queue == nil {
			return nil
		}
		return c.queue.MarkUndeliverable(ctx, env.Reason)
	case TypeAnachronistic:
		if c.queue == nil {
			return nil
		}
		return c.queue.MarkAnachronistic(ctx)
	default:
		return fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

func (c *Client) write(env Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

// SendCommands sends a pending batch for acknowledgement.
func (c *Client) SendCommands(_ context.Context, b pendingqueue.Batch) error {
	c.log.Debugw("sending commands", "base_version", b.BaseVersion, "entries", len(b.Entries))
	return c.write(Envelope{
		Type:        TypeCommands,
		DocID:       c.docID,
		BaseVersion: b.BaseVersion,
		Revision:    b.LastSeq(),
		Commands:    b.Commands(),
	})
}

// UpdateSelection sends the local selection.
func (c *Client) UpdateSelection(sel Selection) error {
	return c.write(Envelope{Type: TypeSelection, DocID: c.docID, Selection: &sel})
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Client) Disconnect() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// IsClosed reports whether Disconnect has been called.
func (c *Client) IsClosed() bool { return c.closed.Load() }
