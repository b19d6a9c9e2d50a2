package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/prohmpiriya/seat-rush/internal/domain"
)

// Envelope carries one state change to one worker
type Envelope struct {
	WorkerID    string              `json:"worker_id"`
	Change      *domain.StateChange `json:"change"`
	Trace       map[string]string   `json:"trace,omitempty"`
	PublishedAt time.Time           `json:"published_at"`
}

// Encode serializes the envelope for a transport
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a transport payload
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Change == nil {
		return nil, fmt.Errorf("envelope without change")
	}
	return &env, nil
}
