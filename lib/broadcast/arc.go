package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/btcsuite/btcd/wire"
)

// ARC transaction statuses that mean the transaction will never be mined.
const (
	StatusRejected             = "REJECTED"
	StatusDoubleSpendAttempted = "DOUBLE_SPEND_ATTEMPTED"
	StatusSeenInOrphanMempool  = "SEEN_IN_ORPHAN_MEMPOOL"
	StatusMined                = "MINED"
	StatusUnknown              = "UNKNOWN"
)

// ErrUnknownTx is returned by ARC.Status when the relay has no record of a
// transaction.
var ErrUnknownTx = errors.New("transaction unknown to relay")

// IsFailureStatus reports whether an ARC status is terminal failure.
func IsFailureStatus(status string) bool {
	switch strings.ToUpper(status) {
	case StatusRejected, StatusDoubleSpendAttempted, StatusSeenInOrphanMempool:
		return true
	}
	return false
}

// ARCConfig configures an ARC relay.
type ARCConfig struct {
	URL           string
	APIKey        string
	CallbackURL   string
	CallbackToken string
	Timeout       time.Duration
}

// ARC submits transactions to an ARC transaction processor.
type ARC struct {
	cfg    ARCConfig
	client *http.Client
}

func NewARC(cfg ARCConfig) *ARC {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &ARC{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (a *ARC) Name() string { return "arc" }

// TxStatus is ARC's view of a transaction.
type TxStatus struct {
	TxID        string `json:"txid"`
	TxStatus    string `json:"txStatus"`
	Status      int    `json:"status"`
	Title       string `json:"title"`
	Detail      string `json:"detail"`
	ExtraInfo   string `json:"extraInfo"`
	BlockHash   string `json:"blockHash"`
	BlockHeight uint32 `json:"blockHeight"`
	MerklePath  string `json:"merklePath"`
	Timestamp   string `json:"timestamp"`
}

func (a *ARC) newRequest(ctx context.Context, method, route string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.URL+route, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	return req, nil
}

func (a *ARC) Broadcast(ctx context.Context, tx *wire.MsgTx) (*Result, error) {
	txHex, err := ledger.TxHex(tx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]string{"rawTx": txHex})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %v", err)
	}
	req, err := a.newRequest(ctx, http.MethodPost, "/v1/tx", payload)
	if err != nil {
		return nil, err
	}
	if a.cfg.CallbackURL != "" {
		req.Header.Set("X-CallbackUrl", a.cfg.CallbackURL)
	}
	if a.cfg.CallbackToken != "" {
		req.Header.Set("X-CallbackToken", a.cfg.CallbackToken)
	}

	status, err := a.do(req)
	if err != nil {
		return nil, err
	}
	if IsFailureStatus(status.TxStatus) {
		return nil, fmt.Errorf("ARC rejected transaction: %s %s", status.TxStatus, status.ExtraInfo)
	}
	return &Result{
		Endpoint: a.Name(),
		TxID:     status.TxID,
		Status:   status.TxStatus,
		Message:  status.ExtraInfo,
	}, nil
}

// Status queries the relay for the current state of txid, including the
// merkle path once the transaction is mined.
func (a *ARC) Status(ctx context.Context, txid string) (*TxStatus, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/v1/tx/"+txid, nil)
	if err != nil {
		return nil, err
	}
	return a.do(req)
}

func (a *ARC) do(req *http.Request) (*TxStatus, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUnknownTx
	}
	var status TxStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to decode ARC response (status %d): %v", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ARC returned status %d: %s %s", resp.StatusCode, status.Title, status.Detail)
	}
	return &status, nil
}
