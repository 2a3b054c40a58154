package mailbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message 是代理之间传递的消息，入队后不可修改。
type Message struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Content string    `json:"content"`
	Sender  string    `json:"sender,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// NewMessage 构造一条带有 ULID 的消息。
func NewMessage(msgType, content string) Message {
	return Message{
		ID:      ulid.Make().String(),
		Type:    msgType,
		Content: content,
		SentAt:  time.Now().UTC(),
	}
}

// From 返回标记了发送方的副本。
func (m Message) From(sender string) Message {
	m.Sender = sender
	return m
}

func encode(msg Message) ([]byte, error) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("编码消息失败: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("解码消息失败: %w", err)
	}
	return msg, nil
}
