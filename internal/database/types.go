package database

import (
	"errors"
	"fmt"
	"time"
)

const (
	RecordKindCommitment = "commitment"
	RecordKindFunding    = "funding"

	SecretSaltKey = "secret_salt"
)

var (
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrRecordNotFound     = errors.New("record not found")
)

// InsufficientTokensError reports a failed allocation attempt.
type InsufficientTokensError struct {
	Requested int
	Claimed   int
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: requested %d, claimed %d", e.Requested, e.Claimed)
}

func (e *InsufficientTokensError) Unwrap() error {
	return ErrInsufficientTokens
}

// Token is a prepaid single-use hash puzzle output.
type Token struct {
	ID             uint
	TxID           string
	Vout           uint32
	Script         string // hex locking script
	Satoshis       int64
	Secret         []byte
	Challenge      string // hex sha256 of Secret
	AssignedDigest *string
	Confirmed      bool
	Invalid        bool
	CreatedAt      time.Time
}

// StatusEvent is one entry of a record's append-only status log.
type StatusEvent struct {
	TxID        string    `json:"txid"`
	Source      string    `json:"source"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	BlockHeight uint32    `json:"blockHeight,omitempty"`
	CreatedAt   time.Time `json:"time"`
}

// Record is a persisted commitment or funding transaction.
type Record struct {
	ID          uint
	TxID        string
	Kind        string
	Digest      string
	Beef        string
	TokenCount  int
	Payload     []byte
	MediaType   string
	FileName    string
	Proven      bool
	BlockHeight *uint32
	Attempts    int
	Stalled     bool
	Invalid     bool
	CreatedAt   time.Time
	Events      []StatusEvent
}

// LatestStatus returns the newest status event, if any.
func (r *Record) LatestStatus() (StatusEvent, bool) {
	if len(r.Events) == 0 {
		return StatusEvent{}, false
	}
	return r.Events[len(r.Events)-1], true
}

// TokenStats summarises the pool.
type TokenStats struct {
	Available int64 `json:"available"`
	Assigned  int64 `json:"assigned"`
	Pending   int64 `json:"pending"`
	Invalid   int64 `json:"invalid"`
}
