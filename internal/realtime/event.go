package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind 事件类型
type EventKind string

const (
	EventConnect      EventKind = "connect"
	EventMessage      EventKind = "message"
	EventTyping       EventKind = "typing"
	EventPresence     EventKind = "presence"
	EventError        EventKind = "error"
	EventMaxReconnect EventKind = "max_reconnect_reached"
)

// 订阅的三个逻辑主题
const (
	TopicMessages = "/t_ms"
	TopicTyping   = "/thread_typing"
	TopicPresence = "/orca_presence"
)

// DefaultTopics 默认订阅
func DefaultTopics() []string { return []string{TopicMessages, TopicTyping, TopicPresence} }

// Event 投递给回调的事件
type Event struct {
	Kind    EventKind      `json:"kind"`
	At      time.Time      `json:"at"`
	Topic   string         `json:"topic,omitempty"`
	Message *Message       `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"` // typing / presence 原始内容
	Err     error          `json:"-"`
}

// Handler 事件回调
type Handler func(Event)

// Message 收到的聊天消息
type Message struct {
	ThreadID    string `json:"threadID"`
	MessageID   string `json:"messageID"`
	SenderID    string `json:"senderID"`
	Body        string `json:"body"`
	Timestamp   int64  `json:"timestamp"`
	Attachments []any  `json:"attachments"`
	Mentions    any    `json:"mentions"`
	IsGroup     bool   `json:"isGroup"`
}

var errMissingType = errors.New("message payload has no type")

func decodeObject(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	return m, nil
}

// decode 按主题解码；未知主题返回 ok=false
func decode(topic string, payload []byte, now time.Time) (Event, bool, error) {
	switch topic {
	case TopicMessages:
		m, err := decodeObject(payload)
		if err != nil {
			return Event{}, true, err
		}
		msg, err := parseMessage(m, now)
		if err != nil {
			return Event{}, true, err
		}
		return Event{Kind: EventMessage, At: now, Topic: topic, Message: msg}, true, nil
	case TopicTyping, TopicPresence:
		m, err := decodeObject(payload)
		if err != nil {
			return Event{}, true, err
		}
		kind := EventTyping
		if topic == TopicPresence {
			kind = EventPresence
		}
		return Event{Kind: kind, At: now, Topic: topic, Data: m}, true, nil
	}
	return Event{}, false, nil
}

func parseMessage(m map[string]any, now time.Time) (*Message, error) {
	if t, _ := m["type"].(string); t == "" {
		return nil, errMissingType
	}
	msg := &Message{
		ThreadID:  firstString(m, "threadID", "thread_id"),
		MessageID: firstString(m, "messageID", "message_id"),
		SenderID:  firstString(m, "senderID", "author_id"),
		Body:      firstString(m, "body", "message"),
		Timestamp: now.UnixMilli(),
		Mentions:  []any{},
	}
	if n, ok := m["timestamp"].(json.Number); ok {
		if ts, err := n.Int64(); err == nil && ts != 0 {
			msg.Timestamp = ts
		}
	}
	if a, ok := m["attachments"].([]any); ok {
		msg.Attachments = a
	} else {
		msg.Attachments = []any{}
	}
	if v, ok := m["mentions"]; ok && v != nil {
		msg.Mentions = v
	}
	msg.IsGroup, _ = m["isGroup"].(bool)
	return msg, nil
}

// firstString 依次取第一个非空字段，数字 ID 转为字符串
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case nil:
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}
