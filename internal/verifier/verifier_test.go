package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/Maphikza/truth-machine/internal/commitment"
	"github.com/Maphikza/truth-machine/internal/database"
	"github.com/Maphikza/truth-machine/lib/broadcast"
	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	roots map[uint32]chainhash.Hash
	tip   uint32
	err   error
}

func (c *fakeChain) IsValidRootForHeight(ctx context.Context, root chainhash.Hash, height uint32) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	want, ok := c.roots[height]
	return ok && want == root, nil
}

func (c *fakeChain) CurrentHeight(ctx context.Context) (uint32, error) {
	return c.tip, c.err
}

type fixture struct {
	store  *database.Store
	chain  *fakeChain
	v      *Verifier
	c      *commitment.Commitment
	digest [32]byte
}

// commit stores a confirmed token, commits payload with it and saves the
// commitment record with the given first status.
func commit(t *testing.T, payload []byte, status string) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := database.Open(":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pair, err := ledger.NewSecretPair()
	require.NoError(t, err)
	lock, err := ledger.HashPuzzleLock(pair.Hash)
	require.NoError(t, err)
	funding := wire.NewMsgTx(1)
	funding.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x01}, 0), nil, nil))
	funding.AddTxOut(wire.NewTxOut(1, lock))
	fundingID := funding.TxHash().String()

	fb := ledger.NewBundle()
	require.NoError(t, fb.AddTx(funding, nil))
	beef, err := fb.Hex()
	require.NoError(t, err)
	require.NoError(t, store.SaveFunding(ctx, database.Record{TxID: fundingID, Beef: beef}, []database.Token{{
		TxID: fundingID, Vout: 0, Script: hex.EncodeToString(lock), Satoshis: 1,
		Secret: pair.Secret, Challenge: hex.EncodeToString(pair.Hash),
	}}))
	_, err = store.MarkConfirmed(ctx, fundingID)
	require.NoError(t, err)

	digest := sha256.Sum256(payload)
	c, err := commitment.NewBuilder(store, commitment.Config{}).Commit(ctx, digest[:], len(payload))
	require.NoError(t, err)
	rec, err := c.Record(&broadcast.Result{Endpoint: "arc", Status: status}, payload, "text/plain", "")
	require.NoError(t, err)
	require.NoError(t, store.SaveRecord(ctx, rec))

	chain := &fakeChain{roots: map[uint32]chainhash.Hash{}}
	return &fixture{store: store, chain: chain, v: New(store, chain), c: c, digest: digest}
}

func TestVerifyBroadcastAccepted(t *testing.T) {
	require := require.New(t)
	f := commit(t, []byte("hello"), "SEEN_ON_NETWORK")

	res, err := f.v.Verify(context.Background(), f.c.TxID)
	require.NoError(err)
	require.True(res.Valid)
	require.True(res.MatchedCommitment)
	require.True(res.BroadcastAccepted)
	require.False(res.InBlock)
	require.Nil(res.Depth)
	require.Empty(res.FailedCheck)
	require.Equal("text/plain", res.MediaType)

	byDigest, err := f.v.Verify(context.Background(), hex.EncodeToString(f.digest[:]))
	require.NoError(err)
	require.Equal(res.TxID, byDigest.TxID)
}

func TestVerifyInBlock(t *testing.T) {
	require := require.New(t)
	f := commit(t, []byte("hello"), "SEEN_ON_NETWORK")
	ctx := context.Background()

	txid := f.c.Tx.TxHash()
	path, err := ledger.NewMerklePathFromTSC(txid, 0, nil, 100)
	require.NoError(err)
	require.NoError(f.store.MergeProof(ctx, f.c.TxID, path, nil))

	f.chain.roots[100] = txid
	f.chain.tip = 105
	res, err := f.v.Verify(ctx, f.c.TxID)
	require.NoError(err)
	require.True(res.Valid)
	require.True(res.InBlock)
	require.Equal(uint32(100), res.BlockHeight)
	require.NotNil(res.Depth)
	require.Equal(uint32(5), *res.Depth)

	// A path that does not match the chain is not an inclusion proof.
	f.chain.roots[100] = chainhash.Hash{0xff}
	res, err = f.v.Verify(ctx, f.c.TxID)
	require.NoError(err)
	require.False(res.InBlock)
	require.True(res.BroadcastAccepted)
	require.True(res.Valid)
}

func TestVerifyTamperedDigest(t *testing.T) {
	require := require.New(t)
	f := commit(t, []byte("original"), "SEEN_ON_NETWORK")
	ctx := context.Background()

	// The modified file hashes to a digest nothing committed to.
	tampered := sha256.Sum256([]byte("modified"))
	_, err := f.v.Verify(ctx, hex.EncodeToString(tampered[:]))
	require.ErrorIs(err, ErrNotFound)

	// A record whose stored digest disagrees with the chain data fails.
	rec, err := f.store.FindRecord(ctx, f.c.TxID)
	require.NoError(err)
	rec.Digest = hex.EncodeToString(tampered[:])
	res, err := New(&stubStore{rec: rec}, f.chain).Verify(ctx, f.c.TxID)
	require.NoError(err)
	require.False(res.Valid)
	require.False(res.MatchedCommitment)
	require.Equal(CheckCommitment, res.FailedCheck)
}

func TestVerifyRejectedBroadcast(t *testing.T) {
	require := require.New(t)
	f := commit(t, []byte("hello"), "SEEN_ON_NETWORK")
	ctx := context.Background()
	require.NoError(f.store.AppendStatus(ctx, database.StatusEvent{TxID: f.c.TxID, Source: "callback", Status: broadcast.StatusRejected}))

	res, err := f.v.Verify(ctx, f.c.TxID)
	require.NoError(err)
	require.True(res.MatchedCommitment)
	require.False(res.BroadcastAccepted)
	require.False(res.Valid)
	require.Equal(CheckInclusion, res.FailedCheck)
}

type stubStore struct {
	rec *database.Record
	err error
}

func (s *stubStore) FindRecord(ctx context.Context, id string) (*database.Record, error) {
	return s.rec, s.err
}

func TestVerifyErrors(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	chain := &fakeChain{}

	_, err := New(&stubStore{err: database.ErrRecordNotFound}, chain).Verify(ctx, "missing")
	require.ErrorIs(err, ErrNotFound)

	funding := &database.Record{TxID: chainhash.Hash{0x01}.String(), Kind: database.RecordKindFunding}
	_, err = New(&stubStore{rec: funding}, chain).Verify(ctx, funding.TxID)
	require.ErrorIs(err, ErrNotFound)

	corrupt := &database.Record{TxID: chainhash.Hash{0x02}.String(), Kind: database.RecordKindCommitment, Beef: "beefbeef"}
	_, err = New(&stubStore{rec: corrupt}, chain).Verify(ctx, corrupt.TxID)
	var verr *VerificationError
	require.True(errors.As(err, &verr))
	require.Equal(CheckBundle, verr.Check)

	other := errors.New("disk on fire")
	_, err = New(&stubStore{err: other}, chain).Verify(ctx, "x")
	require.Error(err)
	require.False(errors.Is(err, ErrNotFound))
}
