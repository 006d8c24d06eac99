package verifier

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Maphikza/truth-machine/internal/database"
	"github.com/Maphikza/truth-machine/internal/logger"
	"github.com/Maphikza/truth-machine/internal/metrics"
	"github.com/Maphikza/truth-machine/lib/broadcast"
	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var ErrNotFound = errors.New("commitment not found")

// Checks named in Result.FailedCheck and VerificationError.Check.
const (
	CheckBundle     = "bundle"
	CheckCommitment = "commitment"
	CheckInclusion  = "inclusion"
)

// VerificationError reports a record whose stored evidence cannot be read.
type VerificationError struct {
	TxID  string
	Check string
	Err   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification of %s failed at %s: %v", e.TxID, e.Check, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Store loads commitment records.
type Store interface {
	FindRecord(ctx context.Context, id string) (*database.Record, error)
}

// ChainTracker answers questions about the block chain.
type ChainTracker interface {
	IsValidRootForHeight(ctx context.Context, root chainhash.Hash, height uint32) (bool, error)
	CurrentHeight(ctx context.Context) (uint32, error)
}

// Result is the integrity verdict served by /integrity.
type Result struct {
	TxID              string    `json:"txid"`
	Digest            string    `json:"digest"`
	Valid             bool      `json:"valid"`
	InBlock           bool      `json:"inBlock"`
	BlockHeight       uint32    `json:"blockHeight,omitempty"`
	Depth             *uint32   `json:"depth,omitempty"`
	BroadcastAccepted bool      `json:"broadcastAccepted"`
	MatchedCommitment bool      `json:"matchedCommitment"`
	Time              time.Time `json:"time"`
	MediaType         string    `json:"mediaType,omitempty"`
	FailedCheck       string    `json:"failedCheck,omitempty"`
}

type Verifier struct {
	store Store
	chain ChainTracker
}

func New(store Store, chain ChainTracker) *Verifier {
	return &Verifier{store: store, chain: chain}
}

// Verify re-derives the verdict for the commitment identified by a txid or
// digest from its stored bundle and the current chain.
func (v *Verifier) Verify(ctx context.Context, id string) (*Result, error) {
	rec, err := v.store.FindRecord(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load record %s: %v", id, err)
	}
	if rec.Kind != database.RecordKindCommitment {
		return nil, ErrNotFound
	}

	res := &Result{
		TxID:      rec.TxID,
		Digest:    rec.Digest,
		Time:      rec.CreatedAt,
		MediaType: rec.MediaType,
	}

	hash, err := chainhash.NewHashFromStr(rec.TxID)
	if err != nil {
		return nil, &VerificationError{TxID: rec.TxID, Check: CheckBundle, Err: err}
	}
	bundle, err := ledger.ParseBundleHex(rec.Beef)
	if err != nil {
		metrics.Verifications.WithLabelValues("error").Inc()
		return nil, &VerificationError{TxID: rec.TxID, Check: CheckBundle, Err: err}
	}
	tx, ok := bundle.Find(*hash)
	if !ok {
		metrics.Verifications.WithLabelValues("error").Inc()
		return nil, &VerificationError{TxID: rec.TxID, Check: CheckBundle, Err: ledger.ErrTxNotInBundle}
	}

	res.MatchedCommitment = matches(tx, rec.Digest)
	res.InBlock = v.inBlock(ctx, bundle, *hash, res)
	if !res.InBlock {
		res.BroadcastAccepted = accepted(bundle, *hash, rec)
	}
	res.Valid = res.MatchedCommitment && (res.InBlock || res.BroadcastAccepted)

	switch {
	case !res.MatchedCommitment:
		res.FailedCheck = CheckCommitment
	case !res.Valid:
		res.FailedCheck = CheckInclusion
	}
	if res.Valid {
		metrics.Verifications.WithLabelValues("valid").Inc()
	} else {
		metrics.Verifications.WithLabelValues("invalid").Inc()
	}
	return res, nil
}

func matches(tx *wire.MsgTx, digestHex string) bool {
	data, err := ledger.ExtractData(tx)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(digestHex)
	if err != nil || len(want) == 0 {
		return false
	}
	return bytes.Equal(data, want)
}

// inBlock checks the bundle's merkle path for txid against the chain and
// fills the height and depth of res.
func (v *Verifier) inBlock(ctx context.Context, bundle *ledger.Bundle, txid chainhash.Hash, res *Result) bool {
	path, ok := bundle.PathFor(txid)
	if !ok {
		return false
	}
	root, err := path.ComputeRoot(txid)
	if err != nil {
		logger.Warn("failed to compute merkle root", "txid", txid.String(), "error", err)
		return false
	}
	valid, err := v.chain.IsValidRootForHeight(ctx, root, path.BlockHeight)
	if err != nil {
		logger.Warn("chain tracker unavailable", "txid", txid.String(), "error", err)
		return false
	}
	if !valid {
		return false
	}
	res.BlockHeight = path.BlockHeight
	if tip, err := v.chain.CurrentHeight(ctx); err == nil && tip >= path.BlockHeight {
		depth := tip - path.BlockHeight
		res.Depth = &depth
	}
	return true
}

// accepted reports whether a not yet mined commitment stands: a relay
// failure status is final, otherwise the inputs must satisfy the scripts
// they spend or an endpoint must have accepted the transaction.
func accepted(bundle *ledger.Bundle, txid chainhash.Hash, rec *database.Record) bool {
	last, ok := rec.LatestStatus()
	if ok && (broadcast.IsFailureStatus(last.Status) || last.Status == "INVALID") {
		return false
	}
	if err := bundle.VerifyScripts(txid); err == nil {
		return true
	}
	return ok && last.Status != ""
}
