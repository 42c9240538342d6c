package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-chat/internal/models"
)

// Store change operations carried by ChatStoreChange.
const (
	ChatChangeInsert = "insert"
	ChatChangeUpdate = "update"
	ChatChangeDelete = "delete"
)

// ChatBroadcastTyping is the broadcast kind used for typing indicators.
const ChatBroadcastTyping = "typing"

// ChatAppendRequest represents a new message submitted to a project chat.
type ChatAppendRequest struct {
	ProjectID    string  `json:"project_id" validate:"required,min=1,max=128"`
	SenderID     string  `json:"sender_id" validate:"required,max=64"`
	Content      string  `json:"content" validate:"required_without=AttachmentID,max=2000"`
	AttachmentID *string `json:"attachment_id,omitempty" validate:"omitempty,min=1,max=128"`
	ClientRef    string  `json:"client_ref,omitempty" validate:"omitempty,max=64"`
}

// ChatEditRequest carries replacement content for an existing message.
type ChatEditRequest struct {
	Content string `json:"content" validate:"required,max=2000"`
}

// ChatHistoryQuery represents query filters for retrieving chat history.
type ChatHistoryQuery struct {
	ProjectID string     `query:"project_id" validate:"required,min=1,max=128"`
	Before    *time.Time `query:"before"`
	BeforeID  uint       `query:"before_id"`
	Limit     int        `query:"limit" validate:"omitempty,min=1,max=100"`
}

// ChatMessageResponse is the serialized representation of a chat message.
type ChatMessageResponse struct {
	ID           uint      `json:"id"`
	ProjectID    string    `json:"project_id"`
	SenderID     string    `json:"sender_id"`
	Content      string    `json:"content"`
	AttachmentID *string   `json:"attachment_id,omitempty"`
	Edited       bool      `json:"edited"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewChatMessageResponse converts a model into a DTO.
func NewChatMessageResponse(message models.ChatMessage) ChatMessageResponse {
	return ChatMessageResponse{
		ID:           message.ID,
		ProjectID:    message.ProjectID,
		SenderID:     message.SenderID,
		Content:      message.Content,
		AttachmentID: message.AttachmentID,
		Edited:       message.Edited(),
		CreatedAt:    message.CreatedAt,
		UpdatedAt:    message.UpdatedAt,
	}
}

// NewChatMessageResponseSlice converts a slice of models into DTOs.
func NewChatMessageResponseSlice(messages []models.ChatMessage) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message))
	}
	return out
}

// ChatStoreChange describes a durable mutation of a project's chat log.
// Message is nil for deletes.
type ChatStoreChange struct {
	Op         string               `json:"op"`
	ProjectID  string               `json:"project_id"`
	MessageID  uint                 `json:"message_id"`
	Message    *ChatMessageResponse `json:"message,omitempty"`
	ClientRef  string               `json:"client_ref,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// ChatPresence identifies one connection attached to a project channel.
type ChatPresence struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	JoinedAt     time.Time `json:"joined_at"`
}

// ChatBroadcast is an ephemeral event relayed to the other members of a channel.
type ChatBroadcast struct {
	Kind    string          `json:"kind"`
	From    ChatPresence    `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// ChatTypingPayload is the typing broadcast body. An empty payload clears the sender's state.
type ChatTypingPayload struct {
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// IsEmpty reports whether the payload signals "stopped typing".
func (p ChatTypingPayload) IsEmpty() bool {
	return p.UserID == ""
}

// ChatMemberRequest adds a user to a project's chat.
type ChatMemberRequest struct {
	ProjectID string `json:"project_id" validate:"required,min=1,max=128"`
	UserID    string `json:"user_id" validate:"required,max=64"`
	Role      string `json:"role" validate:"omitempty,oneof=owner member viewer"`
}

// Websocket command types accepted on the chat socket.
const (
	ChatCommandSend     = "send"
	ChatCommandEdit     = "edit"
	ChatCommandDelete   = "delete"
	ChatCommandLoadMore = "load_more"
	ChatCommandTyping   = "typing"
)

// Websocket frame types written to the chat socket.
const (
	ChatFrameSnapshot = "snapshot"
	ChatFrameAck      = "ack"
	ChatFrameError    = "error"
)

// ChatSocketCommand is a client instruction received over the chat websocket.
// Ref is echoed back on the matching ack or error frame.
type ChatSocketCommand struct {
	Type         string  `json:"type" validate:"required,oneof=send edit delete load_more typing"`
	Ref          string  `json:"ref,omitempty" validate:"max=64"`
	MessageID    uint    `json:"message_id,omitempty" validate:"required_if=Type edit,required_if=Type delete"`
	Content      string  `json:"content,omitempty"`
	AttachmentID *string `json:"attachment_id,omitempty"`
	Typing       bool    `json:"typing,omitempty"`
}

// ChatSocketFrame is a server frame on the chat websocket.
type ChatSocketFrame struct {
	Type  string      `json:"type"`
	Ref   string      `json:"ref,omitempty"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
	Code  int         `json:"code,omitempty"`
}
