package queue

import (
	"encoding/json"
	"fmt"
)

// Message is the wire form of an inbound request:
//
//	{"type":"url","url":"https://example.com","group":"home"}
//	{"type":"summarize"}
type Message struct {
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
	Group string `json:"group,omitempty"`
}

// DecodeMessage parses one inbound request.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("queue: decode request: %w", err)
	}
	return m, nil
}

// Encode returns the JSON form of m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
