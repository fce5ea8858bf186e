package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

type Tier string

const (
	TierHigh   Tier = "high"
	TierNormal Tier = "normal"
	TierLow    Tier = "low"
)

// tiers is the pop order.
var tiers = []Tier{TierHigh, TierNormal, TierLow}

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierHigh, TierNormal, TierLow:
		return Tier(s), nil
	case "":
		return TierNormal, nil
	}
	return "", fmt.Errorf("unknown priority tier %q", s)
}

// Item is the envelope stored for every pushed payload. Kind tags the payload
// so consumers can decode it into a concrete type once.
type Item struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Tier        Tier            `json:"tier"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RetryAt     *time.Time      `json:"retry_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into v.
func (it *Item) Decode(v any) error {
	if len(it.Payload) == 0 {
		return fmt.Errorf("item %s: empty payload", it.ID)
	}
	if err := json.Unmarshal(it.Payload, v); err != nil {
		return fmt.Errorf("item %s: decode %s payload: %w", it.ID, it.Kind, err)
	}
	return nil
}

// DeadLetter is an item that exhausted its attempts.
type DeadLetter struct {
	Item   Item      `json:"item"`
	Reason string    `json:"reason"`
	DeadAt time.Time `json:"dead_at"`
}

// Stats combines the running counters with the current structure sizes.
type Stats struct {
	Name       string       `json:"name"`
	Pending    map[Tier]int `json:"pending"`
	Processing int          `json:"processing"`
	Delayed    int          `json:"delayed"`
	Dead       int          `json:"dead"`
	Completed  int64        `json:"completed"`
	Retried    int64        `json:"retried"`
	Failed     int64        `json:"failed"`
	Recovered  int64        `json:"recovered"`
}
