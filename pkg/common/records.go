package common

import "time"

// RequestRecord is one adaptive routing decision, written to the time-series
// store in batches.
type RequestRecord struct {
	Timestamp   time.Time
	APIKeyID    int32
	UserID      int32
	ClientIP    string
	Tier        string
	Score       float64
	Mobile      bool
	SessionID   string
	IsBlocked   bool
	Attempts    int32
	BotAttempts int32
}

// VerifyRecord is one verification outcome.
type VerifyRecord struct {
	Timestamp   time.Time
	APIKeyID    int32
	UserID      int32
	ChallengeID string
	Kind        string
	Success     bool
	Attempts    int32
	Status      string
}

// BehaviorRecord holds raw client telemetry together with the score the
// ML service assigned to it. Written fire-and-forget; suppressed for
// mobile user agents.
type BehaviorRecord struct {
	Timestamp     time.Time
	CorrelationID string
	BehaviorData  string
	Score         float64
}
