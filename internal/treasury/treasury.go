package treasury

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Maphikza/truth-machine/internal/database"
	"github.com/Maphikza/truth-machine/internal/logger"
	"github.com/Maphikza/truth-machine/internal/metrics"
	"github.com/Maphikza/truth-machine/lib/broadcast"
	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/Maphikza/truth-machine/lib/woc"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

// TokenSatoshis is the value locked in every token output.
const TokenSatoshis = 1

var (
	ErrInsufficientFunds = errors.New("insufficient treasury funds")
	ErrInvalidTarget     = errors.New("token count must be at least 1")
	ErrUnavailable       = errors.New("ledger query service unavailable")
)

// UtxoSource lists the unspent outputs of an address.
type UtxoSource interface {
	Utxos(ctx context.Context, address string) ([]woc.Utxo, error)
}

// Broadcaster submits a transaction to the network.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*broadcast.Result, error)
}

// Store persists funding batches.
type Store interface {
	SaveFunding(ctx context.Context, rec database.Record, tokens []database.Token) error
	Stats(ctx context.Context) (database.TokenStats, error)
}

type Config struct {
	FeePerKb       int64
	UnitCost       int64
	MaxTokensPerTx int
	MaxBatches     int
}

func (c *Config) setDefaults() {
	if c.FeePerKb <= 0 {
		c.FeePerKb = 1
	}
	if c.UnitCost <= 0 {
		c.UnitCost = 1
	}
	if c.MaxTokensPerTx <= 0 {
		c.MaxTokensPerTx = 957
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 2
	}
}

// Treasury mints tokens from the treasury key's balance.
type Treasury struct {
	key        *ledger.Key
	utxos      UtxoSource
	dispatcher Broadcaster
	store      Store
	cfg        Config
}

func New(key *ledger.Key, utxos UtxoSource, dispatcher Broadcaster, store Store, cfg Config) *Treasury {
	cfg.setDefaults()
	return &Treasury{key: key, utxos: utxos, dispatcher: dispatcher, store: store, cfg: cfg}
}

// Address returns the treasury address.
func (t *Treasury) Address() string {
	return t.key.Address.EncodeAddress()
}

// BatchResult describes one broadcast funding transaction.
type BatchResult struct {
	TxID     string `json:"txid"`
	Tokens   int    `json:"tokens"`
	Fee      int64  `json:"fee"`
	Change   int64  `json:"change"`
	Endpoint string `json:"endpoint"`
}

// FundResult is the outcome of a funding run.
type FundResult struct {
	FundingTxID string        `json:"txid"`
	Batches     []BatchResult `json:"batches"`
	Created     int           `json:"number"`
}

// spendable is an output the next batch can spend.
type spendable struct {
	outpoint wire.OutPoint
	value    int64
	parent   *wire.MsgTx // set for change outputs of earlier batches
}

// Fund creates up to target tokens in at most MaxBatches chained
// transactions. Batches after the first spend the previous batch's change
// output. Tokens are persisted only once their batch is accepted.
func (t *Treasury) Fund(ctx context.Context, target int) (*FundResult, error) {
	if target < 1 {
		return nil, ErrInvalidTarget
	}
	if limit := t.cfg.MaxTokensPerTx * t.cfg.MaxBatches; target > limit {
		logger.Info("capping funding target", "requested", target, "cap", limit)
		target = limit
	}

	inputs, err := t.treasuryInputs(ctx)
	if err != nil {
		return nil, err
	}

	result := &FundResult{}
	remaining := target
	for batch := 0; batch < t.cfg.MaxBatches && remaining > 0; batch++ {
		built, err := t.buildBatch(inputs, remaining)
		if err != nil {
			if batch == 0 {
				return nil, err
			}
			logger.Info("stopping funding run", "batch", batch+1, "reason", err.Error())
			break
		}

		res, err := t.dispatcher.Broadcast(ctx, built.tx)
		if err != nil {
			logger.Error("funding batch broadcast failed", "batch", batch+1, "txid", built.txid, "error", err)
			if batch == 0 {
				return nil, fmt.Errorf("funding broadcast: %w", err)
			}
			break
		}

		if err := t.persist(ctx, built, inputs, res); err != nil {
			// The batch is on the network; its tokens must be recovered by hand.
			logger.Error("failed to persist accepted funding batch", "txid", built.txid, "error", err)
			return result, fmt.Errorf("failed to persist funding batch %s: %w", built.txid, err)
		}
		metrics.TokensCreated.Add(float64(built.tokens))

		result.Batches = append(result.Batches, BatchResult{
			TxID:     built.txid,
			Tokens:   built.tokens,
			Fee:      built.fee,
			Change:   built.change,
			Endpoint: res.Endpoint,
		})
		if result.FundingTxID == "" {
			result.FundingTxID = built.txid
		}
		result.Created += built.tokens
		remaining -= built.tokens

		if built.change <= 0 {
			break
		}
		inputs = []spendable{{
			outpoint: wire.OutPoint{Hash: built.tx.TxHash(), Index: uint32(built.tokens)},
			value:    built.change,
			parent:   built.tx,
		}}
	}

	logger.Info("funding run complete", "requested", target, "created", result.Created, "batches", len(result.Batches))
	return result, nil
}

func (t *Treasury) treasuryInputs(ctx context.Context) ([]spendable, error) {
	utxos, err := t.utxos.Utxos(ctx, t.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	inputs := make([]spendable, 0, len(utxos))
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			logger.Error("skipping utxo with invalid txid", "txid", u.TxID, "error", err)
			continue
		}
		if u.Satoshis <= 0 {
			continue
		}
		inputs = append(inputs, spendable{outpoint: wire.OutPoint{Hash: *hash, Index: u.Vout}, value: u.Satoshis})
	}
	if len(inputs) == 0 {
		return nil, ErrInsufficientFunds
	}
	return inputs, nil
}

type builtBatch struct {
	tx     *wire.MsgTx
	txid   string
	pairs  []ledger.SecretPair
	tokens int
	fee    int64
	change int64
}

// buildBatch creates and signs one funding transaction minting up to want
// tokens from inputs.
func (t *Treasury) buildBatch(inputs []spendable, want int) (*builtBatch, error) {
	var balance int64
	for _, in := range inputs {
		balance += in.value
	}

	n := want
	if n > t.cfg.MaxTokensPerTx {
		n = t.cfg.MaxTokensPerTx
	}

	// Every token output has the same size, so the fee only depends on n.
	fee := t.fee(len(inputs), n)
	affordable := balance/t.cfg.UnitCost - fee
	if affordable < 1 {
		return nil, fmt.Errorf("%w: balance %d cannot cover a token and fee %d", ErrInsufficientFunds, balance, fee)
	}
	if int64(n) > affordable {
		n = int(affordable)
		fee = t.fee(len(inputs), n)
	}

	pairs := make([]ledger.SecretPair, n)
	tx := wire.NewMsgTx(1)
	for _, in := range inputs {
		op := in.outpoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	for i := range pairs {
		pair, err := ledger.NewSecretPair()
		if err != nil {
			return nil, err
		}
		lock, err := ledger.HashPuzzleLock(pair.Hash)
		if err != nil {
			return nil, err
		}
		pairs[i] = pair
		tx.AddTxOut(wire.NewTxOut(TokenSatoshis, lock))
	}
	change := balance - int64(n)*TokenSatoshis - fee
	if change > 0 {
		tx.AddTxOut(wire.NewTxOut(change, t.key.PkScript))
	}

	prevOutputs := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range inputs {
		prevOutputs.AddPrevOut(in.outpoint, wire.NewTxOut(in.value, t.key.PkScript))
	}
	for i, in := range inputs {
		if err := ledger.SignP2PKH(tx, i, t.key.PkScript, in.value, t.key.Private, prevOutputs); err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %v", i, err)
		}
	}

	return &builtBatch{
		tx:     tx,
		txid:   tx.TxHash().String(),
		pairs:  pairs,
		tokens: n,
		fee:    fee,
		change: change,
	}, nil
}

// fee estimates the fee of a batch with the given shape, change included.
func (t *Treasury) fee(inputs, tokens int) int64 {
	sizing := wire.NewMsgTx(1)
	for i := 0; i < inputs; i++ {
		sizing.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	}
	lock := make([]byte, 1+1+32+1)
	for i := 0; i < tokens; i++ {
		sizing.AddTxOut(wire.NewTxOut(TokenSatoshis, lock))
	}
	sizing.AddTxOut(wire.NewTxOut(0, t.key.PkScript))
	size := ledger.EstimateSize(sizing, func(int) int { return ledger.P2PKHUnlockSize })
	return ledger.Fee(size, t.cfg.FeePerKb)
}

func (t *Treasury) persist(ctx context.Context, built *builtBatch, inputs []spendable, res *broadcast.Result) error {
	bundle := ledger.NewBundle()
	for _, in := range inputs {
		if in.parent != nil {
			if err := bundle.AddTx(in.parent, nil); err != nil {
				return err
			}
		}
	}
	if err := bundle.AddTx(built.tx, nil); err != nil {
		return err
	}
	beef, err := bundle.Hex()
	if err != nil {
		return err
	}

	tokens := make([]database.Token, len(built.pairs))
	for i, pair := range built.pairs {
		tokens[i] = database.Token{
			TxID:      built.txid,
			Vout:      uint32(i),
			Script:    hex.EncodeToString(built.tx.TxOut[i].PkScript),
			Satoshis:  TokenSatoshis,
			Secret:    pair.Secret,
			Challenge: hex.EncodeToString(pair.Hash),
		}
	}
	rec := database.Record{
		TxID: built.txid,
		Beef: beef,
		Events: []database.StatusEvent{{
			Source: res.Endpoint,
			Status: res.Status,
			Detail: res.Message,
		}},
	}
	return t.store.SaveFunding(ctx, rec, tokens)
}

// Status is the treasury summary served by /checkTreasury.
type Status struct {
	Address string              `json:"address"`
	Balance int64               `json:"balance"`
	Utxos   int                 `json:"utxos"`
	Tokens  int64               `json:"tokens"`
	Pool    database.TokenStats `json:"pool"`
}

// Status reads the treasury balance and the token pool concurrently.
func (t *Treasury) Status(ctx context.Context) (*Status, error) {
	st := &Status{Address: t.Address()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		utxos, err := t.utxos.Utxos(gctx, st.Address)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, u := range utxos {
			st.Balance += u.Satoshis
		}
		st.Utxos = len(utxos)
		return nil
	})
	g.Go(func() error {
		stats, err := t.store.Stats(gctx)
		if err != nil {
			return fmt.Errorf("failed to read token pool: %v", err)
		}
		st.Pool = stats
		st.Tokens = stats.Available
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	metrics.AvailableTokens.Set(float64(st.Tokens))
	return st, nil
}
