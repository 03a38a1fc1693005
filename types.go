package chatsync

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

var (
	// ErrUnauthorized is returned when the server rejects the credential.
	// It is fatal to the session: the caller must re-authenticate.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect outside the Disconnected state.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNoConversation is returned when an operation needs a current conversation.
	ErrNoConversation = errors.New("no current conversation")
)

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResponse is the envelope every REST endpoint answers with.
type APIResponse[T any] struct {
	IsSuccess bool   `json:"isSuccess"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Result    T      `json:"result"`
}

// ============================================================================
// Account Types
// ============================================================================

type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignupRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// ============================================================================
// Conversation Types
// ============================================================================

// Participant is the other side of a pairwise conversation.
type Participant struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// LastMessage summarizes the newest message of a conversation.
type LastMessage struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	SenderID  int64     `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// Conversation is a pairwise chat thread and its list-level summary.
type Conversation struct {
	ID          string       `json:"conversationId"`
	Type        string       `json:"type,omitempty"`
	OtherUser   Participant  `json:"otherUser"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount int          `json:"unreadCount"`
}

// UnmarshalJSON also accepts the server's chatId spelling.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type plain Conversation
	var aux struct {
		plain
		ChatID string `json:"chatId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Conversation(aux.plain)
	if c.ID == "" {
		c.ID = aux.ChatID
	}
	return nil
}

// lastActivity is the time used to order the conversation list.
func (c Conversation) lastActivity() time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

// Message is a single chat message as delivered by the server, both on the
// history endpoint and on the per-conversation message topic.
type Message struct {
	ID             string    `json:"messageId"`
	ConversationID string    `json:"conversationId,omitempty"`
	SenderID       int64     `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
}

// UnmarshalJSON also accepts senderUsername for SenderName.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		SenderUsername string `json:"senderUsername"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	if m.SenderName == "" {
		m.SenderName = aux.SenderUsername
	}
	return nil
}

func (m *Message) validate() error {
	if m.ID == "" {
		return errors.New("message without messageId")
	}
	return nil
}

// MessagePage is one page of conversation history.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// ============================================================================
// Realtime Payloads
// ============================================================================

// OutboundMessage is published to the chat send destination. The server
// binds it by the chatId key.
type OutboundMessage struct {
	ConversationID string `json:"chatId"`
	Content        string `json:"content"`
}

// ReadReceipt is both published and received on read-receipt destinations.
// A nil MessageID means every message of the conversation.
type ReadReceipt struct {
	ConversationID string  `json:"chatId"`
	MessageID      *string `json:"messageId"`
}

// UnmarshalJSON also accepts conversationId for ConversationID.
func (r *ReadReceipt) UnmarshalJSON(data []byte) error {
	type plain ReadReceipt
	var aux struct {
		plain
		LegacyID string `json:"conversationId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ReadReceipt(aux.plain)
	if r.ConversationID == "" {
		r.ConversationID = aux.LegacyID
	}
	return nil
}

// NewConversationNotice is pushed on the per-user topic when someone opens a
// conversation with the local user. It carries no summary data of its own.
type NewConversationNotice struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// ============================================================================
// Send outcome
// ============================================================================

// SendStatus reports what the dispatcher did with an outbound event.
type SendStatus int

const (
	SendPublished SendStatus = iota
	SendQueued
	SendDropped
	SendIgnored
)

func (s SendStatus) String() string {
	switch s {
	case SendPublished:
		return "published"
	case SendQueued:
		return "queued"
	case SendDropped:
		return "dropped"
	case SendIgnored:
		return "ignored"
	}
	return "unknown"
}
