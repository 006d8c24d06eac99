package woc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Utxo is an unspent output reported by the explorer.
type Utxo struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Satoshis int64  `json:"satoshis"`
	Height   int64  `json:"height"`
	Script   string `json:"script,omitempty"`
}

type unspentResponse struct {
	Address string `json:"address"`
	Script  string `json:"script"`
	Result  []struct {
		Height int64  `json:"height"`
		TxPos  uint32 `json:"tx_pos"`
		TxHash string `json:"tx_hash"`
		Value  int64  `json:"value"`
	} `json:"result"`
	Error string `json:"error"`
}

// BlockHeader is the subset of a block header the service needs.
type BlockHeader struct {
	Hash       string `json:"hash"`
	Height     uint32 `json:"height"`
	MerkleRoot string `json:"merkleroot"`
	Time       int64  `json:"time"`
}

// TSCProof is a merkle proof in the TSC format served by the explorer.
type TSCProof struct {
	Index  uint64   `json:"index"`
	TxOrID string   `json:"txOrId"`
	Target string   `json:"target"`
	Nodes  []string `json:"nodes"`
}

type chainInfo struct {
	Blocks uint32 `json:"blocks"`
}

// Utxos returns the confirmed and unconfirmed unspent outputs of address.
// It only fails when neither list could be retrieved.
func (c *Client) Utxos(ctx context.Context, address string) ([]Utxo, error) {
	var (
		utxos []Utxo
		errs  []error
	)
	for _, kind := range []string{"confirmed", "unconfirmed"} {
		route := fmt.Sprintf("/address/%s/%s/unspent", address, kind)
		status, body, err := c.getJSON(ctx, route)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if status != 200 {
			errs = append(errs, statusError(route, status, body))
			continue
		}
		var res unspentResponse
		if err := json.Unmarshal(body, &res); err != nil {
			errs = append(errs, fmt.Errorf("%s: failed to decode response: %v", route, err))
			continue
		}
		for _, u := range res.Result {
			utxos = append(utxos, Utxo{
				TxID:     u.TxHash,
				Vout:     u.TxPos,
				Satoshis: u.Value,
				Height:   u.Height,
				Script:   res.Script,
			})
		}
	}
	if len(errs) == 2 {
		return nil, fmt.Errorf("failed to fetch utxos for %s: %w", address, errors.Join(errs...))
	}
	return utxos, nil
}

// Beef fetches the explorer's proof bundle for txid. A 404 or an explicit
// failure answer is reported as ErrNotFound. Any other status, including
// 429 and 5xx, is returned as a plain error and callers may retry.
func (c *Client) Beef(ctx context.Context, txid string) (*ledger.Bundle, error) {
	route := fmt.Sprintf("/tx/%s/beef", txid)
	status, body, err := c.getText(ctx, route)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(route, status, body)
	}
	if isFailureBody(body) {
		return nil, fmt.Errorf("%s: %w", route, ErrNotFound)
	}
	bundle, err := ledger.ParseBundleHex(strings.Trim(string(bytes.TrimSpace(body)), `"`))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", route, err)
	}
	return bundle, nil
}

// TSC fetches the TSC merkle proof of txid. ErrNotFound means the
// transaction is not mined yet.
func (c *Client) TSC(ctx context.Context, txid string) (*TSCProof, error) {
	route := fmt.Sprintf("/tx/%s/proof/tsc", txid)
	status, body, err := c.getJSON(ctx, route)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, statusError(route, status, body)
	}
	body = bytes.TrimSpace(body)
	if isFailureBody(body) {
		return nil, fmt.Errorf("%s: %w", route, ErrNotFound)
	}

	// The explorer answers with either a single proof or a list of them.
	if body[0] == '[' {
		var proofs []TSCProof
		if err := json.Unmarshal(body, &proofs); err != nil {
			return nil, fmt.Errorf("%s: failed to decode proof: %v", route, err)
		}
		if len(proofs) == 0 {
			return nil, fmt.Errorf("%s: %w", route, ErrNotFound)
		}
		return &proofs[0], nil
	}
	var proof TSCProof
	if err := json.Unmarshal(body, &proof); err != nil {
		return nil, fmt.Errorf("%s: failed to decode proof: %v", route, err)
	}
	return &proof, nil
}

// Header fetches a block header by hash.
func (c *Client) Header(ctx context.Context, blockHash string) (*BlockHeader, error) {
	return c.header(ctx, fmt.Sprintf("/block/%s/header", blockHash))
}

// HeaderByHeight fetches the header of the block at height.
func (c *Client) HeaderByHeight(ctx context.Context, height uint32) (*BlockHeader, error) {
	return c.header(ctx, fmt.Sprintf("/block/height/%d", height))
}

func (c *Client) header(ctx context.Context, route string) (*BlockHeader, error) {
	status, body, err := c.getJSON(ctx, route)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, statusError(route, status, body)
	}
	if isFailureBody(body) {
		return nil, fmt.Errorf("%s: %w", route, ErrNotFound)
	}
	var header BlockHeader
	if err := json.Unmarshal(body, &header); err != nil {
		return nil, fmt.Errorf("%s: failed to decode header: %v", route, err)
	}
	return &header, nil
}

// MerklePath builds a verified merkle path for txid from the explorer's
// TSC proof and the header of the block it targets.
func (c *Client) MerklePath(ctx context.Context, txid chainhash.Hash) (*ledger.MerklePath, error) {
	proof, err := c.TSC(ctx, txid.String())
	if err != nil {
		return nil, err
	}
	header, err := c.Header(ctx, proof.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block header: %w", err)
	}
	path, err := ledger.NewMerklePathFromTSC(txid, proof.Index, proof.Nodes, header.Height)
	if err != nil {
		return nil, err
	}
	root, err := path.ComputeRoot(txid)
	if err != nil {
		return nil, err
	}
	if root.String() != header.MerkleRoot {
		return nil, fmt.Errorf("invalid merkle path for %s: root %s does not match block %s", txid, root, header.Hash)
	}
	return path, nil
}

// CurrentHeight returns the height of the chain tip.
func (c *Client) CurrentHeight(ctx context.Context) (uint32, error) {
	route := "/chain/info"
	status, body, err := c.getJSON(ctx, route)
	if err != nil {
		return 0, err
	}
	if status != 200 {
		return 0, statusError(route, status, body)
	}
	var info chainInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, fmt.Errorf("%s: failed to decode chain info: %v", route, err)
	}
	return info.Blocks, nil
}

// IsValidRootForHeight reports whether root is the merkle root of the
// block at height.
func (c *Client) IsValidRootForHeight(ctx context.Context, root chainhash.Hash, height uint32) (bool, error) {
	header, err := c.HeaderByHeight(ctx, height)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return header.MerkleRoot == root.String(), nil
}

// BroadcastRaw submits a transaction and returns the txid the explorer
// reports.
func (c *Client) BroadcastRaw(ctx context.Context, txHex string) (string, error) {
	route := "/tx/raw"
	payload, err := json.Marshal(map[string]string{"txhex": txHex})
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %v", err)
	}
	status, body, err := c.postJSON(ctx, route, payload)
	if err != nil {
		return "", err
	}
	if status != 200 {
		return "", fmt.Errorf("%s: explorer returned status %d: %s", route, status, strings.TrimSpace(string(body)))
	}
	var txid string
	if err := json.Unmarshal(body, &txid); err != nil {
		txid = strings.Trim(strings.TrimSpace(string(body)), `"`)
	}
	return txid, nil
}
