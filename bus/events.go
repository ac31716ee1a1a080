package bus

import (
	"encoding/json"

	"stagecast/engine/streamer"
)

// Topic names carried by the bus. StreamStartedTopic(key) is the
// per-stream-key rendezvous used by the scheduler's playback launch.
const (
	TopicStreamStarted = "streamStarted"
	TopicStreamEnded   = "streamEnded"
	TopicLiveViewCount = "liveViewCount"
	TopicChatMessage   = "chatMessage"
	TopicChatOpened    = "chatOpened"
	TopicChatClosed    = "chatClosed"
	TopicChatAlert     = "chatAlert"
)

func StreamStartedTopic(streamKey string) string {
	return TopicStreamStarted + ":" + streamKey
}

type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a message. Payload types are expected
// to be the structs below; a marshal failure is a programming error.
func NewMessage(topic string, payload interface{}) *Message {
	if payload == nil {
		return &Message{Topic: topic}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return &Message{Topic: topic, Payload: data}
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// StreamEventPayload accompanies streamStarted and streamEnded.
type StreamEventPayload struct {
	StreamerId streamer.Id   `json:"streamer_id"`
	Kind       streamer.Kind `json:"kind"`
	AccountId  string        `json:"account_id"`
	Title      string        `json:"title"`
}

// ViewCountPayload accompanies liveViewCount.
type ViewCountPayload struct {
	StreamerId streamer.Id `json:"streamer_id"`
	Current    int64       `json:"current"`
	Total      int64       `json:"total"`
}

// ChatPayload accompanies the chat* topics. Room is the account, stage or
// event the message belongs to.
type ChatPayload struct {
	Room   string `json:"room"`
	Author string `json:"author,omitempty"`
	Text   string `json:"text,omitempty"`
}
