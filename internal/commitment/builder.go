package commitment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Maphikza/truth-machine/internal/database"
	"github.com/Maphikza/truth-machine/internal/logger"
	"github.com/Maphikza/truth-machine/internal/metrics"
	"github.com/Maphikza/truth-machine/lib/broadcast"
	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	PolicyProportional = "proportional"
	PolicyFixed        = "fixed"

	DefaultFreeBytes = 200
)

// TokenCost returns how many tokens a payload of size bytes costs.
// The proportional policy charges one token plus one per started kilobyte
// beyond freeBytes.
func TokenCost(policy string, size, freeBytes int) int {
	if strings.EqualFold(policy, PolicyFixed) {
		return 1
	}
	billable := size - freeBytes
	if billable < 1 {
		billable = 1
	}
	return (billable + 999) / 1000
}

// TokenStore hands out tokens and the funding records they came from.
type TokenStore interface {
	Allocate(ctx context.Context, count int, digest string) ([]database.Token, error)
	Release(ctx context.Context, tokens []database.Token, digest string) error
	RecordsByTxIDs(ctx context.Context, txids []string) ([]database.Record, error)
}

type Config struct {
	Policy    string
	FreeBytes int
}

// Builder turns a digest into a signed commitment transaction.
type Builder struct {
	store TokenStore
	cfg   Config
}

func NewBuilder(store TokenStore, cfg Config) *Builder {
	if cfg.Policy == "" {
		cfg.Policy = PolicyProportional
	}
	if cfg.FreeBytes <= 0 {
		cfg.FreeBytes = DefaultFreeBytes
	}
	return &Builder{store: store, cfg: cfg}
}

// Cost returns the token cost of a payload under the configured policy.
func (b *Builder) Cost(payloadSize int) int {
	return TokenCost(b.cfg.Policy, payloadSize, b.cfg.FreeBytes)
}

// Commitment is a built, not yet broadcast, commitment transaction.
type Commitment struct {
	Tx     *wire.MsgTx
	TxID   string
	Digest string
	Tokens []database.Token
	Bundle *ledger.Bundle
}

// Commit allocates tokens for digest and spends them into a transaction
// whose only output carries the digest. On any failure after allocation
// the tokens are released.
func (b *Builder) Commit(ctx context.Context, digest []byte, payloadSize int) (*Commitment, error) {
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", sha256.Size, len(digest))
	}
	digestHex := hex.EncodeToString(digest)
	cost := b.Cost(payloadSize)

	tokens, err := b.store.Allocate(ctx, cost, digestHex)
	if err != nil {
		metrics.Commitments.WithLabelValues("no_tokens").Inc()
		return nil, fmt.Errorf("failed to allocate %d tokens: %w", cost, err)
	}
	metrics.TokensAllocated.Add(float64(len(tokens)))

	c, err := b.build(ctx, digest, digestHex, tokens)
	if err != nil {
		if rerr := b.store.Release(context.WithoutCancel(ctx), tokens, digestHex); rerr != nil {
			logger.Error("failed to release tokens", "digest", digestHex, "error", rerr)
		}
		metrics.Commitments.WithLabelValues("build_failed").Inc()
		return nil, err
	}
	logger.Info("commitment built", "txid", c.TxID, "digest", digestHex, "tokens", len(tokens))
	return c, nil
}

func (b *Builder) build(ctx context.Context, digest []byte, digestHex string, tokens []database.Token) (*Commitment, error) {
	tx := wire.NewMsgTx(1)
	seen := make(map[string]bool)
	var parents []string
	for _, tok := range tokens {
		hash, err := chainhash.NewHashFromStr(tok.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid token txid %q: %v", tok.TxID, err)
		}
		unlock, err := ledger.HashPuzzleUnlock(tok.Secret)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, tok.Vout), unlock, nil))
		if !seen[tok.TxID] {
			seen[tok.TxID] = true
			parents = append(parents, tok.TxID)
		}
	}
	data, err := ledger.DataScript(digest)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(0, data))

	records, err := b.store.RecordsByTxIDs(ctx, parents)
	if err != nil {
		return nil, fmt.Errorf("failed to load token sources: %v", err)
	}
	if len(records) != len(parents) {
		return nil, fmt.Errorf("missing funding records: have %d of %d", len(records), len(parents))
	}

	bundle := ledger.NewBundle()
	for _, rec := range records {
		source, err := ledger.ParseBundleHex(rec.Beef)
		if err != nil {
			return nil, fmt.Errorf("failed to parse funding bundle %s: %v", rec.TxID, err)
		}
		if err := bundle.Merge(source); err != nil {
			return nil, err
		}
	}
	if err := bundle.AddTx(tx, nil); err != nil {
		return nil, err
	}

	txid := tx.TxHash()
	if err := bundle.VerifyScripts(txid); err != nil {
		return nil, fmt.Errorf("commitment %s does not validate: %v", txid, err)
	}

	return &Commitment{
		Tx:     tx,
		TxID:   txid.String(),
		Digest: digestHex,
		Tokens: tokens,
		Bundle: bundle,
	}, nil
}

// Release returns the commitment's tokens to the pool. Only valid while the
// transaction has not been accepted by any endpoint.
func (b *Builder) Release(ctx context.Context, c *Commitment) error {
	return b.store.Release(ctx, c.Tokens, c.Digest)
}

// Record builds the persisted form of an accepted commitment.
func (c *Commitment) Record(res *broadcast.Result, payload []byte, mediaType, fileName string) (database.Record, error) {
	beef, err := c.Bundle.Hex()
	if err != nil {
		return database.Record{}, err
	}
	rec := database.Record{
		TxID:       c.TxID,
		Kind:       database.RecordKindCommitment,
		Digest:     c.Digest,
		Beef:       beef,
		TokenCount: len(c.Tokens),
		Payload:    payload,
		MediaType:  mediaType,
		FileName:   fileName,
	}
	if res != nil {
		rec.Events = []database.StatusEvent{{
			Source: res.Endpoint,
			Status: res.Status,
			Detail: res.Message,
		}}
	}
	return rec, nil
}
