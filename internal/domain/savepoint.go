package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Savepoint is a module's resumption state. Data is owned by the module and
// stored verbatim; nothing in the queue interprets it.
type Savepoint struct {
	Data     json.RawMessage `json:"data,omitempty"`
	Location *string         `json:"location,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
}

// Message is one diagnostic line reported by a module while exporting.
type Message struct {
	ID        uuid.UUID `json:"id"`
	ModuleID  string    `json:"module_id"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(moduleID, text string) Message {
	return Message{
		ID:        uuid.New(),
		ModuleID:  moduleID,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Text:      text,
	}
}

// MarshalSavepoint encodes a module value as savepoint data.
func MarshalSavepoint(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode savepoint: %w", err)
	}
	return b, nil
}

// UnmarshalSavepoint decodes savepoint data into v. Empty data leaves v
// untouched and reports false.
func UnmarshalSavepoint(data json.RawMessage, v any) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, NewDocumentError("savepoint", err)
	}
	return true, nil
}
