package common

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/bakape/liveupdate/auth"
	"github.com/google/uuid"
)

// ThreadState is the lifecycle state of a live thread
type ThreadState string

// Possible thread states
const (
	ThreadLive     ThreadState = "live"
	ThreadComplete ThreadState = "complete"
)

// Thread is a live thread with its metadata
type Thread struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	DescriptionHTML string      `json:"description_html"`
	Resources       string      `json:"resources"`
	ResourcesHTML   string      `json:"resources_html"`
	State           ThreadState `json:"state"`
	Banned          bool        `json:"banned"`
	BannedBy        string      `json:"banned_by,omitempty"`
	NSFW            bool        `json:"nsfw"`
	Created         time.Time   `json:"created"`

	ActiveVisitors       int  `json:"viewer_count"`
	ActiveVisitorsFuzzed bool `json:"viewer_count_fuzzed"`

	Contributors map[uint64]auth.Permissions `json:"-"`
	Invites      map[uint64]auth.Permissions `json:"-"`
}

// IsLive returns, if the thread still accepts updates
func (t Thread) IsLive() bool {
	return t.State == ThreadLive
}

// Update is a single entry in the time-ordered log of a thread
type Update struct {
	ID           uuid.UUID     `json:"id"`
	Thread       string        `json:"-"`
	Author       uint64        `json:"author"`
	Body         string        `json:"body"`
	BodyHTML     string        `json:"body_html"`
	Deleted      bool          `json:"deleted"`
	Stricken     bool          `json:"stricken"`
	Spam         bool          `json:"-"`
	MediaObjects []MediaObject `json:"media_objects,omitempty"`
}

// NewUpdateID generates a time-ordered update ID
func NewUpdateID() (uuid.UUID, error) {
	return NextUpdateID(uuid.Nil)
}

// NextUpdateID generates a time-ordered update ID, that sorts strictly after
// last, even if the local clock is behind the clock that generated last.
func NextUpdateID(last uuid.UUID) (id uuid.UUID, err error) {
	id, err = uuid.NewV7()
	if err != nil || bytes.Compare(id[:], last[:]) > 0 {
		return
	}

	// Increment the random tail of last. Version and variant bits stay intact.
	id = last
	for i := len(id) - 1; i > 8; i-- {
		id[i]++
		if id[i] != 0 {
			break
		}
	}
	return
}

// Fullname returns the globally unique name of the update used in messages
// sent to clients
func (u Update) Fullname() string {
	return UpdateFullname(u.ID)
}

// UpdateFullname formats the globally unique name of an update ID
func UpdateFullname(id uuid.UUID) string {
	return "LiveUpdate_" + id.String()
}

// Created returns the creation time embedded in the update ID
func (u Update) Created() time.Time {
	ms := binary.BigEndian.Uint64(u.ID[:8]) >> 16
	return time.UnixMilli(int64(ms)).UTC()
}

// Embeds returns the dimensions of all resolved media embeds
func (u Update) Embeds() []Embed {
	if len(u.MediaObjects) == 0 {
		return nil
	}
	e := make([]Embed, 0, len(u.MediaObjects))
	for _, m := range u.MediaObjects {
		e = append(e, m.Embed())
	}
	return e
}

// Rendered returns the representation of the update sent to viewers
func (u Update) Rendered() RenderedUpdate {
	embeds := u.Embeds()
	if embeds == nil {
		embeds = []Embed{}
	}
	return RenderedUpdate{
		ID:       u.ID.String(),
		Name:     u.Fullname(),
		Author:   u.Author,
		Body:     u.Body,
		BodyHTML: u.BodyHTML,
		Created:  u.Created().Unix(),
		Stricken: u.Stricken,
		Embeds:   embeds,
	}
}

// RenderedUpdate is the payload of MessageUpdate
type RenderedUpdate struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Author   uint64  `json:"author"`
	Body     string  `json:"body"`
	BodyHTML string  `json:"body_html"`
	Created  int64   `json:"created_utc"`
	Stricken bool    `json:"stricken"`
	Embeds   []Embed `json:"embeds"`
}

// Embed describes the dimensions of a resolved media object
type Embed struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// MediaObject is a resolved media embed of an URL posted in an update
type MediaObject struct {
	Type   string `json:"type"`
	OEmbed OEmbed `json:"oembed"`
}

// Embed returns the dimension descriptor of m
func (m MediaObject) Embed() Embed {
	return Embed{
		URL:    m.OEmbed.URL,
		Width:  m.OEmbed.Width,
		Height: m.OEmbed.Height,
	}
}

// OEmbed is the subset of the oEmbed response format stored for each media
// object
type OEmbed struct {
	Type         string `json:"type"`
	URL          string `json:"url"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	HTML         string `json:"html"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}
