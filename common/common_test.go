package common

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	. "github.com/bakape/liveupdate/test"
)

func TestEncodeMessage(t *testing.T) {
	t.Parallel()

	cases := [...]struct {
		name    string
		typ     MessageType
		payload interface{}
		std     string
	}{
		{
			"activity",
			MessageActivity,
			ActivityPayload{Count: 7, Fuzzed: true},
			`{"type":"activity","payload":{"count":7,"fuzzed":true}}`,
		},
		{
			"delete",
			MessageDelete,
			"LiveUpdate_x",
			`{"type":"delete","payload":"LiveUpdate_x"}`,
		},
		{
			"complete",
			MessageComplete,
			nil,
			`{"type":"complete","payload":{}}`,
		},
	}

	for i := range cases {
		c := cases[i]
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			buf, err := EncodeMessage(c.typ, c.payload)
			AssertNoError(t, err)
			AssertEquals(t, string(buf), c.std)

			msg, err := DecodeMessage(buf)
			AssertNoError(t, err)
			AssertEquals(t, msg.Type, c.typ)
		})
	}
}

func TestUpdateIDOrdering(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	a, err := NewUpdateID()
	AssertNoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := NewUpdateID()
	AssertNoError(t, err)

	if a.String() >= b.String() {
		t.Fatalf("ids not time ordered: %s >= %s", a, b)
	}

	created := Update{ID: a}.Created()
	if created.Before(before) || created.After(time.Now().Add(time.Second)) {
		t.Fatalf("unexpected creation time: %s", created)
	}
}

func TestNextUpdateIDAfterFutureID(t *testing.T) {
	t.Parallel()

	// Generated by a clock an hour ahead
	ahead, err := NewUpdateID()
	AssertNoError(t, err)
	ms := uint64(time.Now().Add(time.Hour).UnixMilli())
	for i := 0; i < 6; i++ {
		ahead[i] = byte(ms >> (40 - 8*uint(i)))
	}
	ahead[15] = 0xff

	id, err := NextUpdateID(ahead)
	AssertNoError(t, err)
	if id.String() <= ahead.String() {
		t.Fatalf("id not after last: %s <= %s", id, ahead)
	}
	AssertEquals(t, id.Version(), ahead.Version())
	AssertEquals(t, id.Variant(), ahead.Variant())
	AssertEquals(t, id[14], ahead[14]+1)
	AssertEquals(t, id[15], byte(0))
}

func TestMediaObjectsJSONKey(t *testing.T) {
	t.Parallel()

	buf, err := json.Marshal(Update{
		MediaObjects: []MediaObject{{Type: "example.com"}},
	})
	AssertNoError(t, err)
	var res map[string]json.RawMessage
	AssertNoError(t, json.Unmarshal(buf, &res))
	if _, ok := res["media_objects"]; !ok {
		t.Fatalf("no media_objects key in %s", buf)
	}
}

func TestUpdateRendering(t *testing.T) {
	t.Parallel()

	id, err := NewUpdateID()
	AssertNoError(t, err)
	u := Update{
		ID:   id,
		Body: "foo",
	}
	AssertEquals(t, u.Fullname(), "LiveUpdate_"+id.String())

	r := u.Rendered()
	AssertDeepEquals(t, r.Embeds, []Embed{})

	u.MediaObjects = []MediaObject{
		{
			Type: "example.com",
			OEmbed: OEmbed{
				URL:    "https://example.com",
				Width:  485,
				Height: 200,
			},
		},
	}
	AssertDeepEquals(t, u.Embeds(), []Embed{
		{"https://example.com", 485, 200},
	})

	buf, err := json.Marshal(u.Rendered())
	AssertNoError(t, err)
	var dec RenderedUpdate
	AssertNoError(t, json.Unmarshal(buf, &dec))
	AssertEquals(t, dec.Name, u.Fullname())
}

func TestStatusCode(t *testing.T) {
	t.Parallel()

	AssertEquals(t, StatusCode(ErrInvalidThread("foo")), 404)
	AssertEquals(t, StatusCode(ErrNoPermissions), 403)
	AssertEquals(t, StatusCode(errors.New("foo")), 500)
	AssertEquals(t, CanIgnoreClientError(ErrEmptyBody), true)
	AssertEquals(t, CanIgnoreClientError(errors.New("foo")), false)
}
