// Package websockets manages active websocket connections of live thread
// viewers and messages sent to them
package websockets

import (
	"errors"
	"net/http"
	"time"

	"github.com/bakape/liveupdate/auth"
	"github.com/bakape/liveupdate/common"
	"github.com/bakape/liveupdate/util"
	"github.com/bakape/liveupdate/websockets/feeds"
	"github.com/go-playground/log"
	"github.com/gorilla/websocket"
)

const pingWriteTimeout = time.Second * 30

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 5 * time.Second,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// errInvalidFrame denotes an invalid websocket frame received from the client
type errInvalidFrame string

func (e errInvalidFrame) Error() string {
	return string(e)
}

// Handler is an http.Handler that upgrades viewer connections, authenticated
// with a subscription token, and subscribes them to a thread's feed
type Handler struct {
	Hub    *feeds.Hub
	Tokens *auth.TokenSigner
	Proxy  auth.Proxy

	// Interval of pings sent to the client. Defaults to one minute.
	PingInterval time.Duration
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	thread := q.Get("thread")
	switch err := h.Tokens.Verify(q.Get("t"), thread); err {
	case nil:
	case auth.ErrTokenExpired, auth.ErrTokenInvalid:
		http.Error(w, "403 "+err.Error(), 403)
		return
	default:
		http.Error(w, "500 "+err.Error(), 500)
		return
	}

	ip, err := h.Proxy.GetIP(r)
	if err != nil {
		http.Error(w, "400 "+err.Error(), 400)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("websockets: %s: %s\n", ip, err)
		return
	}

	c := newClient(conn, ip)
	ping := h.PingInterval
	if ping == 0 {
		ping = time.Minute
	}
	h.Hub.Subscribe(thread, c)
	err = c.listen(ping)
	h.Hub.Unsubscribe(thread, c)
	if !common.CanIgnoreClientError(err) {
		c.logError(err)
	}
}

// Client stores and manages a websocket-connected remote client
type Client struct {
	ip string

	// Underlying websocket connection
	conn *websocket.Conn

	// Internal message receiver channel
	receive chan receivedMessage

	// Only used to pass messages from the Send method.
	sendExternal chan []byte

	// Close the client and free all used resources
	close chan error
}

type receivedMessage struct {
	typ int
	msg []byte
}

// newClient creates a new websocket client
func newClient(conn *websocket.Conn, ip string) *Client {
	return &Client{
		ip:      ip,
		close:   make(chan error, 2),
		receive: make(chan receivedMessage),
		// Allows for a short burst of messages, until the buffer overflows
		sendExternal: make(chan []byte, 1<<5),
		conn:         conn,
	}
}

// Listen listens for incoming messages on the channels and processes them
func (c *Client) listen(ping time.Duration) error {
	go c.receiverLoop()

	// Clean up, when loop exits
	err := c.listenerLoop(ping)
	return c.closeConnections(err)
}

// Separate function to ease error handling of the internal client loop
func (c *Client) listenerLoop(interval time.Duration) error {
	// Periodically ping the client to ensure external proxies and CDNs do not
	// close the connection. Those have a tendency of sending 1001 to both ends
	// after rather short timeout, if no messages have been sent.
	ping := time.NewTicker(interval)
	defer ping.Stop()

	for {
		select {
		case err := <-c.close:
			return err
		case msg := <-c.sendExternal:
			if err := c.send(msg); err != nil {
				return err
			}
		case <-ping.C:
			deadline := time.Now().Add(pingWriteTimeout)
			err := c.conn.WriteControl(websocket.PingMessage, nil, deadline)
			if err != nil {
				return err
			}
		case msg := <-c.receive:
			if err := c.handleMessage(msg.typ, msg.msg); err != nil {
				return err
			}
		}
	}
}

// Close all connections an goroutines associated with the Client
func (c *Client) closeConnections(err error) error {
	// Close receiver loop
	c.Close(nil)

	// Send the client the reason for closing
	var closeType int
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		switch ce.Code {

		// Normal client-side websocket closure
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			err = nil
			closeType = websocket.CloseNormalClosure

		// Ignore abnormal websocket closure as a network fault
		case websocket.CloseAbnormalClosure:
			err = nil
		}
	case err == nil:
		closeType = websocket.CloseNormalClosure
	default:
		closeType = websocket.CloseInvalidFramePayloadData
	}

	// Try to send the client a close frame. This might fail, so ignore any
	// errors.
	if closeType != 0 {
		msg := websocket.FormatCloseMessage(closeType, "")
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	}

	// Close socket
	closeError := c.conn.Close()
	if closeError != nil {
		err = util.WrapError(closeError.Error(), err)
	}

	return err
}

// Send a message to the client. Can be used concurrently. Never blocks and
// closes the client, if its send buffer is full.
func (c *Client) Send(msg []byte) {
	select {
	case c.sendExternal <- msg:
	default:
		c.Close(errors.New("send buffer overflow"))
	}
}

// Sends a message to the client. Not safe for concurrent use.
func (c *Client) send(msg []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// receiverLoop proxies the blocking conn.ReadMessage() into the main client
// select loop.
func (c *Client) receiverLoop() {
	for {
		var (
			err error
			msg receivedMessage
		)
		msg.typ, msg.msg, err = c.conn.ReadMessage() // Blocking
		if err != nil {
			c.Close(err)
			return
		}

		select {
		case <-c.close:
			return
		case c.receive <- msg:
		}
	}
}

// Viewers only receive. Text frames from the client are treated as one way
// pings and ignored.
func (c *Client) handleMessage(msgType int, msg []byte) error {
	if msgType != websocket.TextMessage {
		return errInvalidFrame("only text frames allowed")
	}
	return nil
}

// logError writes the client's websocket error to the error log
func (c *Client) logError(err error) {
	log.Errorf("websockets: error by %s: %v\n", c.ip, err)
}

// Close closes a websocket connection with the provided status code and
// optional reason
func (c *Client) Close(err error) {
	select {
	case <-c.close:
	default:
		// Exit both for-select loops, if they have not exited yet
		for i := 0; i < 2; i++ {
			select {
			case c.close <- err:
			default:
			}
		}
	}
}
