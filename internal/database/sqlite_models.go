package database

import (
	"time"

	"gorm.io/gorm"
)

// SQLiteToken is a hash puzzle output owned by the treasury.
type SQLiteToken struct {
	gorm.Model
	TxID           string `gorm:"uniqueIndex:idx_token_outpoint;index"`
	Vout           uint32 `gorm:"uniqueIndex:idx_token_outpoint"`
	Script         string
	Satoshis       int64
	Secret         string // hex, or nonce:ciphertext when encrypted
	Challenge      string
	AssignedDigest *string `gorm:"index"`
	AssignedAt     *time.Time
	Confirmed      bool `gorm:"index"`
	Invalid        bool `gorm:"index"`
}

func (SQLiteToken) TableName() string { return "tokens" }

// SQLiteRecord is a commitment or funding transaction with its proof bundle.
type SQLiteRecord struct {
	gorm.Model
	TxID        string `gorm:"uniqueIndex"`
	Kind        string `gorm:"index"`
	Digest      string `gorm:"index"`
	Beef        string
	TokenCount  int
	Payload     []byte
	MediaType   string
	FileName    string
	Proven      bool `gorm:"index"`
	BlockHeight *uint32
	Attempts    int
	Stalled     bool `gorm:"index"`
	Invalid     bool `gorm:"index"`
}

func (SQLiteRecord) TableName() string { return "transactions" }

// SQLiteStatusEvent is an append-only status log entry.
type SQLiteStatusEvent struct {
	ID          uint   `gorm:"primarykey"`
	TxID        string `gorm:"index"`
	Source      string
	Status      string
	Detail      string
	BlockHeight uint32
	CreatedAt   time.Time `gorm:"index"`
}

func (SQLiteStatusEvent) TableName() string { return "status_events" }

// SQLiteMetadata stores miscellaneous service metadata
type SQLiteMetadata struct {
	gorm.Model
	Key   string `gorm:"uniqueIndex"`
	Value string
}

func (SQLiteMetadata) TableName() string { return "metadata" }

func (t SQLiteToken) toToken(secret []byte) Token {
	return Token{
		ID:             t.ID,
		TxID:           t.TxID,
		Vout:           t.Vout,
		Script:         t.Script,
		Satoshis:       t.Satoshis,
		Secret:         secret,
		Challenge:      t.Challenge,
		AssignedDigest: t.AssignedDigest,
		Confirmed:      t.Confirmed,
		Invalid:        t.Invalid,
		CreatedAt:      t.CreatedAt,
	}
}

func (r SQLiteRecord) toRecord() Record {
	return Record{
		ID:          r.ID,
		TxID:        r.TxID,
		Kind:        r.Kind,
		Digest:      r.Digest,
		Beef:        r.Beef,
		TokenCount:  r.TokenCount,
		Payload:     r.Payload,
		MediaType:   r.MediaType,
		FileName:    r.FileName,
		Proven:      r.Proven,
		BlockHeight: r.BlockHeight,
		Attempts:    r.Attempts,
		Stalled:     r.Stalled,
		Invalid:     r.Invalid,
		CreatedAt:   r.CreatedAt,
	}
}

func (e SQLiteStatusEvent) toEvent() StatusEvent {
	return StatusEvent{
		TxID:        e.TxID,
		Source:      e.Source,
		Status:      e.Status,
		Detail:      e.Detail,
		BlockHeight: e.BlockHeight,
		CreatedAt:   e.CreatedAt,
	}
}
