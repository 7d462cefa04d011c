package chat

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoTargetSelected = errors.New("no conversation partner selected")
	ErrEmptyMessage     = errors.New("message text is empty")
	ErrSelfTarget       = errors.New("cannot open a conversation with yourself")
)

// Message is a direct chat message between two users. Messages are immutable
// once created; a conversation orders them by arrival, not by Timestamp.
type Message struct {
	ID        string `json:"id,omitempty"`
	Sender    string `json:"sender" validate:"required"`
	Receiver  string `json:"receiver" validate:"required"`
	Text      string `json:"text" validate:"required"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds
}

// NewMessage creates a direct message with a fresh ID.
func NewMessage(sender, receiver, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Involves reports whether id is the sender or the receiver.
func (m Message) Involves(id string) bool {
	return id != "" && (m.Sender == id || m.Receiver == id)
}
