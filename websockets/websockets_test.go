package websockets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bakape/liveupdate/auth"
	. "github.com/bakape/liveupdate/test"
	"github.com/bakape/liveupdate/websockets/feeds"
	"github.com/gorilla/websocket"
)

var dialer = websocket.Dialer{}

func newTestServer(t *testing.T) (*httptest.Server, *Handler) {
	t.Helper()

	hub, err := feeds.NewHub(nil)
	AssertNoError(t, err)
	tokens, err := auth.NewTokenSigner([]byte("secret"))
	AssertNoError(t, err)

	h := &Handler{
		Hub:          hub,
		Tokens:       tokens,
		PingInterval: 10 * time.Millisecond,
	}
	s := httptest.NewServer(h)
	t.Cleanup(s.Close)
	return s, h
}

func wsURL(s *httptest.Server, thread, token string) string {
	v := url.Values{}
	v.Set("thread", thread)
	v.Set("t", token)
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/?" + v.Encode()
}

func TestRejectInvalidToken(t *testing.T) {
	t.Parallel()

	s, h := newTestServer(t)
	cases := [...]struct {
		name, thread, token string
	}{
		{"garbage", "a", "foo"},
		{"other thread", "a", h.Tokens.Issue("b", time.Hour)},
		{"expired", "a", h.Tokens.Issue("a", -time.Hour)},
	}

	for i := range cases {
		c := cases[i]
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			_, res, err := dialer.Dial(wsURL(s, c.thread, c.token), nil)
			if err != websocket.ErrBadHandshake {
				UnexpectedError(t, err)
			}
			AssertEquals(t, res.StatusCode, 403)
		})
	}
}

func TestReceiveBroadcast(t *testing.T) {
	t.Parallel()

	s, h := newTestServer(t)
	conn, _, err := dialer.Dial(wsURL(s, "a", h.Tokens.Issue("a", time.Hour)), nil)
	AssertNoError(t, err)
	defer conn.Close()

	// Subscription happens asynchronously after the handshake
	const msg = `{"type":"activity","payload":{"count":3,"fuzzed":true}}`
	deadline := time.Now().Add(2 * time.Second)
	for {
		AssertNoError(t, h.Hub.Publish(context.Background(), "a", []byte(msg)))
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		typ, buf, err := conn.ReadMessage()
		if err == nil {
			AssertEquals(t, typ, websocket.TextMessage)
			AssertEquals(t, string(buf), msg)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no message received")
		}
		conn.Close()
		conn, _, err = dialer.Dial(
			wsURL(s, "a", h.Tokens.Issue("a", time.Hour)),
			nil,
		)
		AssertNoError(t, err)
	}

	// Client pings are ignored
	conn.SetReadDeadline(time.Time{})
	AssertNoError(t, conn.WriteMessage(websocket.TextMessage, []byte("noop")))
}

func TestBinaryFrameCloses(t *testing.T) {
	t.Parallel()

	s, h := newTestServer(t)
	conn, _, err := dialer.Dial(wsURL(s, "a", h.Tokens.Issue("a", time.Hour)), nil)
	AssertNoError(t, err)
	defer conn.Close()

	AssertNoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err = conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData) {
			UnexpectedError(t, err)
		}
		break
	}
}

func TestClientSendOverflow(t *testing.T) {
	t.Parallel()

	c := newClient(nil, "::1")
	for i := 0; i < cap(c.sendExternal)+1; i++ {
		c.Send([]byte("a"))
	}
	select {
	case err := <-c.close:
		AssertEquals(t, err.Error(), "send buffer overflow")
	default:
		t.Fatal("client not closed")
	}
}

var _ http.Handler = (*Handler)(nil)
