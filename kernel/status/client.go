package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"

	"github.com/nmxmxh/simkernel/kernel/utils"
)

var ErrHandshake = errors.New("orchestrator handshake failed")

// Client is the engine end of the status channel
type Client struct {
	conn    *websocket.Conn
	breaker *gobreaker.CircuitBreaker
	logger  *utils.Logger

	writeMu sync.Mutex
}

// Dial connects to the orchestrator at url
func Dial(ctx context.Context, url string, logger *utils.Logger) (*Client, error) {
	if logger == nil {
		logger = utils.DefaultLogger("status-client")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial orchestrator %s: %w", url, err)
	}
	c := &Client{conn: conn, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "status-send",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("status channel breaker changed state",
				utils.String("from", from.String()),
				utils.String("to", to.String()))
		},
	})
	return c, nil
}

// Handshake announces the engine and waits for the experiment manifest
func (c *Client) Handshake(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := c.write(Started()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("%w: %w", ErrHandshake, utils.TimeoutError("handshake"))
			}
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		st, err := Decode(data)
		if err != nil {
			c.logger.Warn("ignoring undecodable message during handshake", utils.Err(err))
			continue
		}
		if st.Kind == KindInit {
			return st.Payload, nil
		}
	}
}

func (c *Client) write(s Status) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Send delivers s. Once sends keep failing the breaker opens and Send
// fails fast until it half-opens again.
func (c *Client) Send(s Status) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.write(s)
	})
	return err
}

// Close says goodbye and closes the connection
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
