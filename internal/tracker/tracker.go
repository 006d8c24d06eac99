package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Maphikza/truth-machine/internal/database"
	"github.com/Maphikza/truth-machine/internal/logger"
	"github.com/Maphikza/truth-machine/internal/metrics"
	"github.com/Maphikza/truth-machine/lib/broadcast"
	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/Maphikza/truth-machine/lib/woc"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	Resolved State = "resolved"
	Pending  State = "pending"
	Invalid  State = "invalid"
	Stalled  State = "stalled"
)

// Outcome is the result of one tracker step for a transaction.
type Outcome struct {
	TxID   string `json:"txid"`
	State  State  `json:"state"`
	Source string `json:"source,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Store is the persistence the tracker reads and updates.
type Store interface {
	PendingTokenTxIDs(ctx context.Context) ([]string, error)
	UnprovenCommitmentTxIDs(ctx context.Context) ([]string, error)
	MergeProof(ctx context.Context, txid string, path *ledger.MerklePath, ev *database.StatusEvent) error
	MarkInvalid(ctx context.Context, txid string) (int64, error)
	AppendStatus(ctx context.Context, ev database.StatusEvent) error
	IncrementAttempts(ctx context.Context, txid string, maxAttempts int) (int, bool, error)
}

// Relay is the primary relay's status endpoint.
type Relay interface {
	Status(ctx context.Context, txid string) (*broadcast.TxStatus, error)
}

// Explorer is the ledger query service.
type Explorer interface {
	Beef(ctx context.Context, txid string) (*ledger.Bundle, error)
	MerklePath(ctx context.Context, txid chainhash.Hash) (*ledger.MerklePath, error)
}

type Config struct {
	Concurrency int
	MaxAttempts int
}

// Tracker resolves inclusion proofs for broadcast transactions.
type Tracker struct {
	store    Store
	relay    Relay
	explorer Explorer
	cfg      Config
}

// New creates a tracker. relay may be nil when no relay is configured.
func New(store Store, relay Relay, explorer Explorer, cfg Config) *Tracker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Tracker{store: store, relay: relay, explorer: explorer, cfg: cfg}
}

// ResolvePending runs one pass over every unresolved funding and
// commitment transaction. Each transaction is handled independently; one
// failing lookup never affects the others.
func (t *Tracker) ResolvePending(ctx context.Context) ([]Outcome, error) {
	tokenTxIDs, err := t.store.PendingTokenTxIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tokens: %v", err)
	}
	commitTxIDs, err := t.store.UnprovenCommitmentTxIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unproven commitments: %v", err)
	}

	set := make(map[string]struct{}, len(tokenTxIDs)+len(commitTxIDs))
	for _, id := range tokenTxIDs {
		set[id] = struct{}{}
	}
	for _, id := range commitTxIDs {
		set[id] = struct{}{}
	}
	txids := maps.Keys(set)
	sort.Strings(txids)
	if len(txids) == 0 {
		return nil, nil
	}
	logger.Info("resolving pending transactions", "count", len(txids))

	var (
		mu       sync.Mutex
		outcomes = make([]Outcome, 0, len(txids))
	)
	g := new(errgroup.Group)
	g.SetLimit(t.cfg.Concurrency)
	for _, txid := range txids {
		txid := txid
		g.Go(func() error {
			out := t.resolve(ctx, txid)
			metrics.TrackerOutcomes.WithLabelValues(string(out.State)).Inc()
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].TxID < outcomes[j].TxID })
	return outcomes, nil
}

// resolve walks the proof sources for one transaction.
func (t *Tracker) resolve(ctx context.Context, txid string) Outcome {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return Outcome{TxID: txid, State: Pending, Detail: err.Error()}
	}

	if t.relay != nil {
		status, err := t.relay.Status(ctx, txid)
		switch {
		case err != nil:
			if !errors.Is(err, broadcast.ErrUnknownTx) {
				logger.Warn("relay status lookup failed", "txid", txid, "error", err)
			}
		case status.MerklePath != "":
			path, perr := ledger.ParseMerklePathHex(status.MerklePath)
			if perr != nil {
				logger.Warn("relay returned unusable merkle path", "txid", txid, "error", perr)
				break
			}
			ev := &database.StatusEvent{Source: "arc", Status: status.TxStatus, BlockHeight: status.BlockHeight}
			if out, ok := t.merge(ctx, txid, path, ev); ok {
				return out
			}
		}
	}

	bundle, err := t.explorer.Beef(ctx, txid)
	if err != nil {
		if errors.Is(err, woc.ErrNotFound) {
			return t.invalidate(ctx, txid, "explorer", err.Error())
		}
		return t.pending(ctx, txid, "explorer", err.Error())
	}
	if path, ok := bundle.PathFor(*hash); ok {
		ev := &database.StatusEvent{Source: "explorer", Status: broadcast.StatusMined}
		if out, ok := t.merge(ctx, txid, path, ev); ok {
			return out
		}
	}

	path, err := t.explorer.MerklePath(ctx, *hash)
	if err != nil {
		return t.pending(ctx, txid, "explorer", "no merkle path yet")
	}
	ev := &database.StatusEvent{Source: "explorer", Status: broadcast.StatusMined}
	if out, ok := t.merge(ctx, txid, path, ev); ok {
		return out
	}
	return t.pending(ctx, txid, "explorer", "merkle path could not be merged")
}

func (t *Tracker) merge(ctx context.Context, txid string, path *ledger.MerklePath, ev *database.StatusEvent) (Outcome, bool) {
	if err := t.store.MergeProof(ctx, txid, path, ev); err != nil {
		logger.Error("failed to merge merkle path", "txid", txid, "error", err)
		return Outcome{}, false
	}
	logger.Info("transaction resolved", "txid", txid, "source", ev.Source, "height", path.BlockHeight)
	return Outcome{TxID: txid, State: Resolved, Source: ev.Source}, true
}

func (t *Tracker) invalidate(ctx context.Context, txid, source, detail string) Outcome {
	n, err := t.store.MarkInvalid(ctx, txid)
	if err != nil {
		logger.Error("failed to invalidate tokens", "txid", txid, "error", err)
		return Outcome{TxID: txid, State: Pending, Source: source, Detail: err.Error()}
	}
	ev := database.StatusEvent{TxID: txid, Source: source, Status: "INVALID", Detail: detail}
	if err := t.store.AppendStatus(ctx, ev); err != nil && !errors.Is(err, database.ErrRecordNotFound) {
		logger.Error("failed to record invalid status", "txid", txid, "error", err)
	}
	logger.Warn("transaction has no obtainable proof", "txid", txid, "tokens", n, "detail", detail)
	return Outcome{TxID: txid, State: Invalid, Source: source, Detail: detail}
}

func (t *Tracker) pending(ctx context.Context, txid, source, detail string) Outcome {
	attempts, stalled, err := t.store.IncrementAttempts(ctx, txid, t.cfg.MaxAttempts)
	if err != nil {
		if !errors.Is(err, database.ErrRecordNotFound) {
			logger.Error("failed to count resolve attempt", "txid", txid, "error", err)
		}
		return Outcome{TxID: txid, State: Pending, Source: source, Detail: detail}
	}
	if stalled {
		logger.Warn("transaction stalled", "txid", txid, "attempts", attempts)
		return Outcome{TxID: txid, State: Stalled, Source: source, Detail: detail}
	}
	logger.Debug("transaction still pending", "txid", txid, "attempts", attempts, "detail", detail)
	return Outcome{TxID: txid, State: Pending, Source: source, Detail: detail}
}

// Notification is a relay push notification.
type Notification struct {
	TxID        string `json:"txid"`
	TxStatus    string `json:"txStatus"`
	BlockHash   string `json:"blockHash,omitempty"`
	BlockHeight uint32 `json:"blockHeight,omitempty"`
	MerklePath  string `json:"merklePath,omitempty"`
	ExtraInfo   string `json:"extraInfo,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// HandleCallback applies a relay notification. Failure statuses
// invalidate the transaction's tokens; a merkle path is merged. Unknown
// transactions yield database.ErrRecordNotFound.
func (t *Tracker) HandleCallback(ctx context.Context, n Notification) error {
	if n.TxID == "" {
		return fmt.Errorf("notification without txid")
	}
	ev := database.StatusEvent{
		TxID:        n.TxID,
		Source:      "callback",
		Status:      n.TxStatus,
		Detail:      n.ExtraInfo,
		BlockHeight: n.BlockHeight,
	}

	if n.MerklePath != "" && !broadcast.IsFailureStatus(n.TxStatus) {
		path, err := ledger.ParseMerklePathHex(n.MerklePath)
		if err != nil {
			metrics.Callbacks.WithLabelValues("bad_path").Inc()
			return fmt.Errorf("invalid merkle path: %v", err)
		}
		if err := t.store.MergeProof(ctx, n.TxID, path, &ev); err != nil {
			metrics.Callbacks.WithLabelValues("error").Inc()
			return err
		}
		metrics.Callbacks.WithLabelValues("proof").Inc()
		logger.Info("callback merged merkle path", "txid", n.TxID, "height", path.BlockHeight)
		return nil
	}

	if err := t.store.AppendStatus(ctx, ev); err != nil {
		metrics.Callbacks.WithLabelValues("error").Inc()
		return err
	}
	if broadcast.IsFailureStatus(n.TxStatus) {
		if _, err := t.store.MarkInvalid(ctx, n.TxID); err != nil {
			metrics.Callbacks.WithLabelValues("error").Inc()
			return fmt.Errorf("failed to invalidate tokens: %v", err)
		}
		metrics.Callbacks.WithLabelValues("failure").Inc()
		logger.Warn("relay reported failure", "txid", n.TxID, "status", n.TxStatus)
		return nil
	}
	metrics.Callbacks.WithLabelValues("status").Inc()
	return nil
}
