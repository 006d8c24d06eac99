package ledger

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Leaf flags in the BUMP (BRC-74) binary format.
const (
	leafFlagHash      = 0x00
	leafFlagDuplicate = 0x01
	leafFlagTxID      = 0x02
)

var (
	// ErrTxNotInPath is returned when a merkle path does not contain a txid.
	ErrTxNotInPath = errors.New("transaction not found in merkle path")

	// ErrMismatchedPath is returned when combining paths of different blocks.
	ErrMismatchedPath = errors.New("merkle paths belong to different blocks")
)

// PathLeaf is one node of a merkle path level.
type PathLeaf struct {
	Offset    uint64
	Hash      chainhash.Hash
	TxID      bool
	Duplicate bool
}

// MerklePath is an inclusion proof for one or more transactions of a block,
// laid out level by level from the leaves up.
type MerklePath struct {
	BlockHeight uint32
	Path        [][]PathLeaf
}

// ParseMerklePath decodes a BUMP.
func ParseMerklePath(b []byte) (*MerklePath, error) {
	return readMerklePath(bytes.NewReader(b))
}

// ParseMerklePathHex decodes a hex encoded BUMP.
func ParseMerklePathHex(s string) (*MerklePath, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid merkle path hex: %v", err)
	}
	return ParseMerklePath(b)
}

func readMerklePath(r io.Reader) (*MerklePath, error) {
	height, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read block height: %v", err)
	}
	var treeHeight [1]byte
	if _, err := io.ReadFull(r, treeHeight[:]); err != nil {
		return nil, fmt.Errorf("failed to read tree height: %v", err)
	}
	if treeHeight[0] == 0 || treeHeight[0] > 64 {
		return nil, fmt.Errorf("invalid tree height %d", treeHeight[0])
	}
	mp := &MerklePath{BlockHeight: uint32(height), Path: make([][]PathLeaf, treeHeight[0])}
	for level := range mp.Path {
		count, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to read leaf count at level %d: %v", level, err)
		}
		if count > 1<<20 {
			return nil, fmt.Errorf("too many leaves at level %d: %d", level, count)
		}
		leaves := make([]PathLeaf, 0, count)
		for i := uint64(0); i < count; i++ {
			offset, err := wire.ReadVarInt(r, 0)
			if err != nil {
				return nil, fmt.Errorf("failed to read leaf offset: %v", err)
			}
			var flags [1]byte
			if _, err := io.ReadFull(r, flags[:]); err != nil {
				return nil, fmt.Errorf("failed to read leaf flags: %v", err)
			}
			leaf := PathLeaf{Offset: offset}
			switch flags[0] {
			case leafFlagDuplicate:
				leaf.Duplicate = true
			case leafFlagHash, leafFlagTxID:
				leaf.TxID = flags[0] == leafFlagTxID
				if _, err := io.ReadFull(r, leaf.Hash[:]); err != nil {
					return nil, fmt.Errorf("failed to read leaf hash: %v", err)
				}
			default:
				return nil, fmt.Errorf("invalid leaf flags %#x", flags[0])
			}
			leaves = append(leaves, leaf)
		}
		mp.Path[level] = leaves
	}
	return mp, nil
}

// Bytes encodes the path as a BUMP.
func (mp *MerklePath) Bytes() []byte {
	var buf bytes.Buffer
	_ = mp.write(&buf)
	return buf.Bytes()
}

// Hex encodes the path as a hex BUMP.
func (mp *MerklePath) Hex() string {
	return hex.EncodeToString(mp.Bytes())
}

func (mp *MerklePath) write(w io.Writer) error {
	if err := wire.WriteVarInt(w, 0, uint64(mp.BlockHeight)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(len(mp.Path))}); err != nil {
		return err
	}
	for _, level := range mp.Path {
		if err := wire.WriteVarInt(w, 0, uint64(len(level))); err != nil {
			return err
		}
		for _, leaf := range level {
			if err := wire.WriteVarInt(w, 0, leaf.Offset); err != nil {
				return err
			}
			switch {
			case leaf.Duplicate:
				if _, err := w.Write([]byte{leafFlagDuplicate}); err != nil {
					return err
				}
				continue
			case leaf.TxID:
				if _, err := w.Write([]byte{leafFlagTxID}); err != nil {
					return err
				}
			default:
				if _, err := w.Write([]byte{leafFlagHash}); err != nil {
					return err
				}
			}
			if _, err := w.Write(leaf.Hash[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Contains reports whether txid is a leaf of the path.
func (mp *MerklePath) Contains(txid chainhash.Hash) bool {
	_, ok := mp.leafIndex(txid)
	return ok
}

func (mp *MerklePath) leafIndex(txid chainhash.Hash) (uint64, bool) {
	if len(mp.Path) == 0 {
		return 0, false
	}
	for _, leaf := range mp.Path[0] {
		if !leaf.Duplicate && leaf.Hash == txid {
			return leaf.Offset, true
		}
	}
	return 0, false
}

// ComputeRoot walks the path from txid up to the merkle root.
func (mp *MerklePath) ComputeRoot(txid chainhash.Hash) (chainhash.Hash, error) {
	index, ok := mp.leafIndex(txid)
	if !ok {
		return chainhash.Hash{}, ErrTxNotInPath
	}
	// A block holding a single transaction has the txid as its root.
	if len(mp.Path) == 1 && len(mp.Path[0]) == 1 {
		return txid, nil
	}
	working := txid
	for height := range mp.Path {
		sibling := (index >> uint(height)) ^ 1
		leaf, err := mp.findOrComputeLeaf(height, sibling)
		if err != nil {
			return chainhash.Hash{}, err
		}
		switch {
		case leaf.Duplicate:
			working = hashPair(working, working)
		case sibling%2 != 0:
			working = hashPair(working, leaf.Hash)
		default:
			working = hashPair(leaf.Hash, working)
		}
	}
	return working, nil
}

func (mp *MerklePath) findOrComputeLeaf(height int, offset uint64) (PathLeaf, error) {
	for _, leaf := range mp.Path[height] {
		if leaf.Offset == offset {
			return leaf, nil
		}
	}
	if height == 0 {
		return PathLeaf{}, fmt.Errorf("missing merkle path leaf at offset %d", offset)
	}
	left, err := mp.findOrComputeLeaf(height-1, offset*2)
	if err != nil {
		return PathLeaf{}, err
	}
	if left.Duplicate {
		return PathLeaf{}, fmt.Errorf("invalid duplicate leaf at height %d offset %d", height-1, offset*2)
	}
	right, err := mp.findOrComputeLeaf(height-1, offset*2+1)
	if err != nil {
		return PathLeaf{}, err
	}
	if right.Duplicate {
		return PathLeaf{Offset: offset, Hash: hashPair(left.Hash, left.Hash)}, nil
	}
	return PathLeaf{Offset: offset, Hash: hashPair(left.Hash, right.Hash)}, nil
}

// Combine merges other into mp. Both must prove transactions of the same
// block, which is checked by comparing their computed roots.
func (mp *MerklePath) Combine(other *MerklePath) error {
	if mp.BlockHeight != other.BlockHeight || len(mp.Path) != len(other.Path) {
		return ErrMismatchedPath
	}
	rootA, err := mp.anyRoot()
	if err != nil {
		return err
	}
	rootB, err := other.anyRoot()
	if err != nil {
		return err
	}
	if rootA != rootB {
		return ErrMismatchedPath
	}
	for level := range mp.Path {
		seen := make(map[uint64]int, len(mp.Path[level]))
		for i, leaf := range mp.Path[level] {
			seen[leaf.Offset] = i
		}
		for _, leaf := range other.Path[level] {
			if i, ok := seen[leaf.Offset]; ok {
				if leaf.TxID {
					mp.Path[level][i].TxID = true
				}
				continue
			}
			mp.Path[level] = append(mp.Path[level], leaf)
		}
		sort.Slice(mp.Path[level], func(i, j int) bool {
			return mp.Path[level][i].Offset < mp.Path[level][j].Offset
		})
	}
	return nil
}

// Root computes the block merkle root from any transaction in the path.
func (mp *MerklePath) Root() (chainhash.Hash, error) {
	return mp.anyRoot()
}

func (mp *MerklePath) anyRoot() (chainhash.Hash, error) {
	if len(mp.Path) == 0 {
		return chainhash.Hash{}, fmt.Errorf("empty merkle path")
	}
	for _, leaf := range mp.Path[0] {
		if !leaf.Duplicate {
			return mp.ComputeRoot(leaf.Hash)
		}
	}
	return chainhash.Hash{}, fmt.Errorf("merkle path has no hash leaves")
}

// TxIDs lists the transactions flagged as proven by this path.
func (mp *MerklePath) TxIDs() []chainhash.Hash {
	var ids []chainhash.Hash
	if len(mp.Path) == 0 {
		return ids
	}
	for _, leaf := range mp.Path[0] {
		if leaf.TxID {
			ids = append(ids, leaf.Hash)
		}
	}
	return ids
}

// NewMerklePathFromTSC converts a TSC style proof (index plus sibling list,
// "*" for a duplicated node) into a merkle path.
func NewMerklePathFromTSC(txid chainhash.Hash, index uint64, nodes []string, blockHeight uint32) (*MerklePath, error) {
	if len(nodes) == 0 {
		return &MerklePath{
			BlockHeight: blockHeight,
			Path:        [][]PathLeaf{{{Offset: index, Hash: txid, TxID: true}}},
		}, nil
	}
	mp := &MerklePath{BlockHeight: blockHeight, Path: make([][]PathLeaf, len(nodes))}
	for level, node := range nodes {
		leaf := PathLeaf{Offset: (index >> uint(level)) ^ 1}
		if node == "*" {
			leaf.Duplicate = true
		} else {
			hash, err := chainhash.NewHashFromStr(node)
			if err != nil {
				return nil, fmt.Errorf("invalid TSC node %q: %v", node, err)
			}
			leaf.Hash = *hash
		}
		if level == 0 {
			own := PathLeaf{Offset: index, Hash: txid, TxID: true}
			if index%2 == 0 {
				mp.Path[0] = []PathLeaf{own, leaf}
			} else {
				mp.Path[0] = []PathLeaf{leaf, own}
			}
			continue
		}
		mp.Path[level] = []PathLeaf{leaf}
	}
	return mp, nil
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}
