package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// BundleVersion is the BEEF V1 version marker (bytes 01 00 BE EF).
const BundleVersion uint32 = 0xEFBE0001

// ErrTxNotInBundle is returned when a bundle does not hold a transaction.
var ErrTxNotInBundle = errors.New("transaction not found in bundle")

// BundleTx is one transaction of a bundle with its optional proof.
type BundleTx struct {
	Tx        *wire.MsgTx
	PathIndex int // index into Bundle.Paths, -1 when unproven
}

// Bundle is a self-contained set of transactions with the merkle paths
// needed to check them against block headers (BEEF).
type Bundle struct {
	Paths []*MerklePath
	txs   map[chainhash.Hash]*BundleTx
	order []chainhash.Hash
}

// NewBundle returns an empty bundle.
func NewBundle() *Bundle {
	return &Bundle{txs: make(map[chainhash.Hash]*BundleTx)}
}

// AddTx adds tx to the bundle, attaching path when it is not nil. Adding a
// transaction twice keeps the first copy but still attaches a new path.
func (b *Bundle) AddTx(tx *wire.MsgTx, path *MerklePath) error {
	txid := tx.TxHash()
	if _, ok := b.txs[txid]; !ok {
		b.txs[txid] = &BundleTx{Tx: tx, PathIndex: -1}
		b.order = append(b.order, txid)
	}
	if path != nil {
		return b.AttachPath(txid, path)
	}
	return nil
}

// AttachPath records path as the proof of txid.
func (b *Bundle) AttachPath(txid chainhash.Hash, path *MerklePath) error {
	entry, ok := b.txs[txid]
	if !ok {
		return ErrTxNotInBundle
	}
	if !path.Contains(txid) {
		return ErrTxNotInPath
	}
	idx, err := b.MergePath(path)
	if err != nil {
		return err
	}
	entry.PathIndex = idx
	return nil
}

// MergePath adds path to the bundle, combining it with an existing path of
// the same block. It returns the index of the stored path.
func (b *Bundle) MergePath(path *MerklePath) (int, error) {
	for i, existing := range b.Paths {
		if existing.BlockHeight != path.BlockHeight {
			continue
		}
		rootA, err := existing.Root()
		if err != nil {
			return 0, err
		}
		rootB, err := path.Root()
		if err != nil {
			return 0, err
		}
		if rootA != rootB {
			continue
		}
		if err := existing.Combine(path); err != nil {
			return 0, err
		}
		return i, nil
	}
	b.Paths = append(b.Paths, path)
	return len(b.Paths) - 1, nil
}

// Find returns the transaction with the given txid.
func (b *Bundle) Find(txid chainhash.Hash) (*wire.MsgTx, bool) {
	entry, ok := b.txs[txid]
	if !ok {
		return nil, false
	}
	return entry.Tx, true
}

// PathFor returns the merkle path attached to txid, if any.
func (b *Bundle) PathFor(txid chainhash.Hash) (*MerklePath, bool) {
	entry, ok := b.txs[txid]
	if !ok || entry.PathIndex < 0 {
		return nil, false
	}
	return b.Paths[entry.PathIndex], true
}

// HasProof reports whether txid has a merkle path in the bundle.
func (b *Bundle) HasProof(txid chainhash.Hash) bool {
	_, ok := b.PathFor(txid)
	return ok
}

// TxIDs lists the bundle transactions in insertion order.
func (b *Bundle) TxIDs() []chainhash.Hash {
	out := make([]chainhash.Hash, len(b.order))
	copy(out, b.order)
	return out
}

// Len returns the number of transactions.
func (b *Bundle) Len() int {
	return len(b.order)
}

// Merge copies every transaction and path of other into b.
func (b *Bundle) Merge(other *Bundle) error {
	for _, txid := range other.order {
		entry := other.txs[txid]
		var path *MerklePath
		if entry.PathIndex >= 0 {
			path = other.Paths[entry.PathIndex]
		}
		if err := b.AddTx(entry.Tx, path); err != nil {
			return fmt.Errorf("failed to merge %s: %v", txid, err)
		}
	}
	return nil
}

// sorted returns txids with every parent ahead of the transactions that
// spend it.
func (b *Bundle) sorted() []chainhash.Hash {
	visited := make(map[chainhash.Hash]bool, len(b.order))
	out := make([]chainhash.Hash, 0, len(b.order))
	var visit func(txid chainhash.Hash)
	visit = func(txid chainhash.Hash) {
		if visited[txid] {
			return
		}
		visited[txid] = true
		entry := b.txs[txid]
		// Proven transactions need no ancestry.
		if entry.PathIndex < 0 {
			for _, in := range entry.Tx.TxIn {
				if _, ok := b.txs[in.PreviousOutPoint.Hash]; ok {
					visit(in.PreviousOutPoint.Hash)
				}
			}
		}
		out = append(out, txid)
	}
	for _, txid := range b.order {
		visit(txid)
	}
	return out
}

// Bytes encodes the bundle as BEEF V1.
func (b *Bundle) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], BundleVersion)
	buf.Write(version[:])
	if err := wire.WriteVarInt(&buf, 0, uint64(len(b.Paths))); err != nil {
		return nil, err
	}
	for _, path := range b.Paths {
		if err := path.write(&buf); err != nil {
			return nil, fmt.Errorf("failed to write merkle path: %v", err)
		}
	}
	ordered := b.sorted()
	if err := wire.WriteVarInt(&buf, 0, uint64(len(ordered))); err != nil {
		return nil, err
	}
	for _, txid := range ordered {
		entry := b.txs[txid]
		if err := entry.Tx.SerializeNoWitness(&buf); err != nil {
			return nil, fmt.Errorf("failed to write transaction %s: %v", txid, err)
		}
		if entry.PathIndex < 0 {
			buf.WriteByte(0)
			continue
		}
		buf.WriteByte(1)
		if err := wire.WriteVarInt(&buf, 0, uint64(entry.PathIndex)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Hex encodes the bundle as hex BEEF.
func (b *Bundle) Hex() (string, error) {
	raw, err := b.Bytes()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// ParseBundle decodes BEEF V1.
func ParseBundle(raw []byte) (*Bundle, error) {
	r := bytes.NewReader(raw)
	var version [4]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("failed to read bundle version: %v", err)
	}
	if v := binary.LittleEndian.Uint32(version[:]); v != BundleVersion {
		return nil, fmt.Errorf("unsupported bundle version %#x", v)
	}
	nPaths, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read path count: %v", err)
	}
	if nPaths > uint64(r.Len()) {
		return nil, fmt.Errorf("invalid path count %d", nPaths)
	}
	b := NewBundle()
	for i := uint64(0); i < nPaths; i++ {
		path, err := readMerklePath(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read merkle path %d: %v", i, err)
		}
		b.Paths = append(b.Paths, path)
	}
	nTxs, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction count: %v", err)
	}
	if nTxs > uint64(r.Len()) {
		return nil, fmt.Errorf("invalid transaction count %d", nTxs)
	}
	for i := uint64(0); i < nTxs; i++ {
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.DeserializeNoWitness(r); err != nil {
			return nil, fmt.Errorf("failed to read transaction %d: %v", i, err)
		}
		hasPath, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read proof flag: %v", err)
		}
		entry := &BundleTx{Tx: tx, PathIndex: -1}
		switch hasPath {
		case 0:
		case 1:
			idx, err := wire.ReadVarInt(r, 0)
			if err != nil {
				return nil, fmt.Errorf("failed to read path index: %v", err)
			}
			if idx >= uint64(len(b.Paths)) {
				return nil, fmt.Errorf("path index %d out of range", idx)
			}
			entry.PathIndex = int(idx)
		default:
			return nil, fmt.Errorf("invalid proof flag %#x", hasPath)
		}
		txid := tx.TxHash()
		if _, dup := b.txs[txid]; dup {
			return nil, fmt.Errorf("duplicate transaction %s", txid)
		}
		b.txs[txid] = entry
		b.order = append(b.order, txid)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after bundle", r.Len())
	}
	return b, nil
}

// ParseBundleHex decodes hex encoded BEEF.
func ParseBundleHex(s string) (*Bundle, error) {
	raw, err := hex.DecodeString(string(bytes.TrimSpace([]byte(s))))
	if err != nil {
		return nil, fmt.Errorf("invalid bundle hex: %v", err)
	}
	return ParseBundle(raw)
}

// VerifyScripts executes every unlocking script of txid against the
// outputs it spends. All parents must be present in the bundle.
func (b *Bundle) VerifyScripts(txid chainhash.Hash) error {
	entry, ok := b.txs[txid]
	if !ok {
		return ErrTxNotInBundle
	}
	tx := entry.Tx
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range tx.TxIn {
		parent, ok := b.txs[in.PreviousOutPoint.Hash]
		if !ok {
			return fmt.Errorf("missing parent %s", in.PreviousOutPoint.Hash)
		}
		if int(in.PreviousOutPoint.Index) >= len(parent.Tx.TxOut) {
			return fmt.Errorf("input spends missing output %s", in.PreviousOutPoint)
		}
		fetcher.AddPrevOut(in.PreviousOutPoint, parent.Tx.TxOut[in.PreviousOutPoint.Index])
	}
	for i, in := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		if err := VerifyInput(tx, i, prev.PkScript, prev.Value, fetcher); err != nil {
			return fmt.Errorf("input %d: %v", i, err)
		}
	}
	return nil
}
