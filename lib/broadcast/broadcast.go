package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/Maphikza/truth-machine/internal/metrics"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
)

// ErrBroadcastFailed is the only error a Dispatcher surfaces when no
// endpoint accepted a transaction.
var ErrBroadcastFailed = errors.New("broadcast failed on every endpoint")

// Result is an endpoint's acceptance of a transaction.
type Result struct {
	Endpoint string `json:"endpoint"`
	TxID     string `json:"txid"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// Broadcaster submits transactions to one relay endpoint.
type Broadcaster interface {
	Name() string
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*Result, error)
}

// Dispatcher tries its endpoints in order and returns the first
// acceptance.
type Dispatcher struct {
	endpoints []Broadcaster
	log       *zap.Logger
}

func NewDispatcher(log *zap.Logger, endpoints ...Broadcaster) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{endpoints: endpoints, log: log}
}

// Endpoints returns the configured endpoint names in order.
func (d *Dispatcher) Endpoints() []string {
	names := make([]string, len(d.endpoints))
	for i, b := range d.endpoints {
		names[i] = b.Name()
	}
	return names
}

// Broadcast submits tx to each endpoint until one accepts it. Endpoint
// errors are logged and counted, never returned.
func (d *Dispatcher) Broadcast(ctx context.Context, tx *wire.MsgTx) (*Result, error) {
	txid := tx.TxHash().String()
	for _, b := range d.endpoints {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
		}
		res, err := b.Broadcast(ctx, tx)
		if err != nil {
			metrics.Broadcasts.WithLabelValues(b.Name(), "error").Inc()
			d.log.Warn("broadcast endpoint failed",
				zap.String("endpoint", b.Name()),
				zap.String("txid", txid),
				zap.Error(err),
			)
			continue
		}
		metrics.Broadcasts.WithLabelValues(b.Name(), "accepted").Inc()
		if res.Endpoint == "" {
			res.Endpoint = b.Name()
		}
		if res.TxID == "" {
			res.TxID = txid
		}
		d.log.Info("transaction broadcast",
			zap.String("endpoint", res.Endpoint),
			zap.String("txid", res.TxID),
			zap.String("status", res.Status),
		)
		return res, nil
	}
	return nil, ErrBroadcastFailed
}
