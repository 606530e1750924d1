package core

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

// EventTypes常量
const (
	EventTypeMessage EventType = "message"
	EventTypeNotice  EventType = "notice"
	EventTypeRequest EventType = "request"
	EventTypeMeta    EventType = "meta_event"
)

// 会话类型 (DetailType)
const (
	DetailPrivate = "private"
	DetailGroup   = "group"
)

var eventValidate = validator.New()

// Event 适配器产出的标准化事件. 进入调度后只读.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type" validate:"required,oneof=message notice request meta_event"`
	DetailType     string         `json:"detail_type,omitempty"`
	SubType        string         `json:"sub_type,omitempty"`
	Adapter        string         `json:"adapter" validate:"required"`
	SelfID         string         `json:"self_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty" validate:"required_without=UserID"`
	UserID         string         `json:"user_id,omitempty"`
	ToMe           bool           `json:"to_me,omitempty"`
	Message        Message        `json:"message,omitempty" validate:"dive"`
	Meta           map[string]any `json:"meta,omitempty"`
	Time           time.Time      `json:"time"`
}

// Validate 校验事件字段
func (e *Event) Validate() error {
	if err := eventValidate.Struct(e); err != nil {
		return wrap(ErrInvalidEvent, "Event", "Validate", err.Error())
	}
	return nil
}

// ensureDefaults 补全 ID 与时间戳
func (e *Event) ensureDefaults() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
}

// Key 会话键: 私聊无会话 ID 时按用户区分
func (e *Event) Key() SessionKey {
	conv := e.ConversationID
	if conv == "" {
		conv = "user:" + e.UserID
	}
	return SessionKey{Adapter: e.Adapter, Conversation: conv}
}

// PlainText 消息纯文本
func (e *Event) PlainText() string {
	return e.Message.PlainText()
}

// IsPrivate 是否私聊
func (e *Event) IsPrivate() bool {
	return e.DetailType == DetailPrivate
}

// Clone 深拷贝, 预处理器基于拷贝修改
func (e Event) Clone() Event {
	e.Message = e.Message.Clone()
	if e.Meta != nil {
		meta := make(map[string]any, len(e.Meta))
		for k, v := range e.Meta {
			meta[k] = v
		}
		e.Meta = meta
	}
	return e
}

// ActionType 动作类型
type ActionType string

const (
	ActionReply ActionType = "reply"
	ActionSend  ActionType = "send"
)

// Action 处理结果 (统一响应格式), 由适配器投递
type Action struct {
	Type           ActionType        `json:"type"`
	Adapter        string            `json:"adapter"`
	ConversationID string            `json:"conversation_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	ReplyTo        string            `json:"reply_to,omitempty"`
	Message        Message           `json:"message"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ReplyTo 构造回复到事件所在会话的动作
func ReplyTo(e *Event, msg Message) Action {
	return Action{
		Type:           ActionReply,
		Adapter:        e.Adapter,
		ConversationID: e.ConversationID,
		UserID:         e.UserID,
		ReplyTo:        e.ID,
		Message:        msg,
	}
}
