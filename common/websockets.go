package common

import "encoding/json"

// MessageType is the identifier of a message broadcast to live thread viewers
type MessageType string

// Types of messages sent to viewers of a thread
const (
	MessageUpdate      MessageType = "update"
	MessageDelete      MessageType = "delete"
	MessageStrike      MessageType = "strike"
	MessageSettings    MessageType = "settings"
	MessageComplete    MessageType = "complete"
	MessageActivity    MessageType = "activity"
	MessageEmbedsReady MessageType = "embeds_ready"
)

// Message is the envelope of every message delivered to viewers
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client exposes websocket client functionality to update feeds without
// causing circular imports
type Client interface {
	Send([]byte)
	Close(error)
}

// Payload of MessageActivity
type ActivityPayload struct {
	Count  int  `json:"count"`
	Fuzzed bool `json:"fuzzed"`
}

// Payload of MessageEmbedsReady
type EmbedsReadyPayload struct {
	LiveUpdateID string  `json:"liveupdate_id"`
	MediaEmbeds  []Embed `json:"media_embeds"`
}

// EncodeMessage encodes a message for sending through websockets or
// publishing to the message bus
func EncodeMessage(typ MessageType, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Type:    typ,
		Payload: data,
	})
}

// DecodeMessage parses a message encoded with EncodeMessage
func DecodeMessage(buf []byte) (msg Message, err error) {
	err = json.Unmarshal(buf, &msg)
	return
}
