package relay

import (
	"encoding/json"
	"fmt"

	"github.com/open-transit-stream/poller/internal/opendata"
)

// Event names understood by the chat-style push server
const (
	EventAddUser    = "add user"
	EventNewMessage = "new message"
)

// Message is the payload of a "new message" event. Message holds the
// JSON-encoded position record.
type Message struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// NewMessage wraps rec for sender user
func NewMessage(user string, rec opendata.LiveRecord) (Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode record: %w", err)
	}
	return Message{Username: user, Message: string(data)}, nil
}
