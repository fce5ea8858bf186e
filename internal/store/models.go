package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrFenced means the write carried a lease generation that is no longer
	// current; the writer has lost its lease.
	ErrFenced = errors.New("lease generation is stale")
)

type CampaignStatus string

const (
	CampaignStopped  CampaignStatus = "stopped"
	CampaignStarting CampaignStatus = "starting"
	CampaignRunning  CampaignStatus = "running"
	CampaignPaused   CampaignStatus = "paused"
)

type Campaign struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Name           string         `json:"name"`
	Status         CampaignStatus `json:"status"`
	MaxChannels    int            `json:"max_channels"`
	BaseMultiplier float64        `json:"base_multiplier"`
	MaxMultiplier  float64        `json:"max_multiplier"`
	MaxAttempts    int            `json:"max_attempts"`
	RetryDelayBase time.Duration  `json:"retry_delay_base"`
	CallerID       string         `json:"caller_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Status is shared by hopper entries and call records.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDialing   Status = "dialing"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusAnswered  Status = "answered"
	StatusBusy      Status = "busy"
	StatusNoAnswer  Status = "no_answer"
	StatusRejected  Status = "rejected"
	StatusInvalid   Status = "invalid"
	StatusFailed    Status = "failed"
)

// InFlight reports whether a call leg may still produce events.
func (s Status) InFlight() bool {
	switch s {
	case StatusDialing, StatusRinging, StatusConnected:
		return true
	}
	return false
}

// Retryable reports whether a terminal status is eligible for the backoff sweep.
func (s Status) Retryable() bool {
	switch s {
	case StatusBusy, StatusNoAnswer, StatusFailed:
		return true
	}
	return false
}

type HopperEntry struct {
	ContactID     string    `json:"contact_id"`
	CampaignID    string    `json:"campaign_id"`
	Phone         string    `json:"phone"`
	Priority      int       `json:"priority"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastDialID    string    `json:"last_dial_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Call is the durable mirror of one origination. DialID is assigned by the
// dialer before the switch knows about the call; SwitchCallID is bound once
// the switch reports the channel.
type Call struct {
	DialID       string            `json:"dial_id"`
	SwitchCallID string            `json:"switch_call_id,omitempty"`
	CampaignID   string            `json:"campaign_id"`
	ContactID    string            `json:"contact_id"`
	WorkerID     string            `json:"worker_id"`
	Channel      string            `json:"channel,omitempty"`
	Status       Status            `json:"status"`
	Cause        int               `json:"cause,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	AnsweredAt   *time.Time        `json:"answered_at,omitempty"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	Vars         map[string]string `json:"vars,omitempty"`
}

// WindowStats counts calls started inside a trailing window.
type WindowStats struct {
	Active   int `json:"active"`
	Answered int `json:"answered"`
	Failed   int `json:"failed"`
}

// LeaseRecord is the authoritative liveness row of a campaign lease.
// Generation only ever increases; a released lease keeps its row with an
// empty WorkerID so the next claim continues the sequence.
type LeaseRecord struct {
	CampaignID  string    `json:"campaign_id"`
	WorkerID    string    `json:"worker_id"`
	LockToken   string    `json:"-"`
	Generation  int64     `json:"generation"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

func (l LeaseRecord) Held() bool { return l.WorkerID != "" }

// Fence identifies the lease a write is made under.
type Fence struct {
	CampaignID string
	WorkerID   string
	Generation int64
}

func (l LeaseRecord) Fence() Fence {
	return Fence{CampaignID: l.CampaignID, WorkerID: l.WorkerID, Generation: l.Generation}
}

type WorkerHeartbeat struct {
	WorkerID        string            `json:"worker_id"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	Campaigns       []string          `json:"campaigns"`
	ActiveCalls     int               `json:"active_calls"`
	SwitchConnected bool              `json:"switch_connected"`
	Peers           map[string]string `json:"peers,omitempty"`
	Disabled        bool              `json:"disabled"`
}

// PacingSnapshot is the last pacing decision an engine made for a campaign.
type PacingSnapshot struct {
	CampaignID  string    `json:"campaign_id"`
	WorkerID    string    `json:"worker_id"`
	Generation  int64     `json:"generation"`
	Active      int       `json:"active"`
	Answered    int       `json:"answered"`
	Failed      int       `json:"failed"`
	AnswerRate  float64   `json:"answer_rate"`
	Multiplier  float64   `json:"multiplier"`
	CallsToMake int       `json:"calls_to_make"`
	Originated  int       `json:"originated"`
	Rejected    int       `json:"rejected"`
	Rearmed     int       `json:"rearmed"`
	At          time.Time `json:"at"`
}
