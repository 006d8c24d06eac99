package api

import (
	"context"

	"github.com/Maphikza/truth-machine/internal/commitment"
	"github.com/Maphikza/truth-machine/internal/database"
	"github.com/Maphikza/truth-machine/internal/tracker"
	"github.com/Maphikza/truth-machine/internal/treasury"
	"github.com/Maphikza/truth-machine/internal/verifier"
	"github.com/Maphikza/truth-machine/lib/broadcast"
	"github.com/btcsuite/btcd/wire"
)

// Treasury funds the token pool.
type Treasury interface {
	Fund(ctx context.Context, target int) (*treasury.FundResult, error)
	Status(ctx context.Context) (*treasury.Status, error)
}

// Committer builds commitment transactions.
type Committer interface {
	Commit(ctx context.Context, digest []byte, payloadSize int) (*commitment.Commitment, error)
	Release(ctx context.Context, c *commitment.Commitment) error
}

// Dispatcher broadcasts transactions.
type Dispatcher interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*broadcast.Result, error)
}

// TxChecker reports a relay's view of a transaction.
type TxChecker interface {
	Status(ctx context.Context, txid string) (*broadcast.TxStatus, error)
}

// Records persists and loads commitment records.
type Records interface {
	SaveRecord(ctx context.Context, rec database.Record) error
	FindRecord(ctx context.Context, id string) (*database.Record, error)
}

// Tracker resolves inclusion proofs.
type Tracker interface {
	ResolvePending(ctx context.Context) ([]tracker.Outcome, error)
	HandleCallback(ctx context.Context, n tracker.Notification) error
}

// Verifier produces integrity verdicts.
type Verifier interface {
	Verify(ctx context.Context, id string) (*verifier.Result, error)
}

type UploadResponse struct {
	TxID    string `json:"txid"`
	Digest  string `json:"digest"`
	Network string `json:"network"`
	Tokens  int    `json:"tokens"`
	Status  string `json:"status,omitempty"`
}

type FundResponse struct {
	TxID    string                 `json:"txid"`
	Number  int                    `json:"number"`
	Batches []treasury.BatchResult `json:"batches"`
}

type TreasuryResponse struct {
	Address string              `json:"address"`
	Balance int64               `json:"balance"`
	Tokens  int64               `json:"tokens"`
	Pool    database.TokenStats `json:"pool"`
}

type IntegrityResponse struct {
	*verifier.Result
	Error string `json:"error,omitempty"`
}

type StatusUpdateResponse struct {
	Success bool              `json:"success"`
	Updated []tracker.Outcome `json:"updated"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type contextKey string

const requestIDKey contextKey = "requestID"
