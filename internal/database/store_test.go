package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, passphrase string) *Store {
	t.Helper()
	s, err := Open(":memory:", passphrase)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testTokens(t *testing.T, txid string, n int, confirmed bool) []Token {
	t.Helper()
	tokens := make([]Token, n)
	for i := range tokens {
		pair, err := ledger.NewSecretPair()
		require.NoError(t, err)
		lock, err := ledger.HashPuzzleLock(pair.Hash)
		require.NoError(t, err)
		tokens[i] = Token{
			TxID:      txid,
			Vout:      uint32(i),
			Script:    fmt.Sprintf("%x", lock),
			Satoshis:  1,
			Secret:    pair.Secret,
			Challenge: fmt.Sprintf("%x", pair.Hash),
			Confirmed: confirmed,
		}
	}
	return tokens
}

func TestAllocateConcurrentSingleToken(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t, "")
	ctx := context.Background()

	require.NoError(s.InsertTokens(ctx, testTokens(t, "aa", 1, true)))

	const allocators = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	for i := 0; i < allocators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Allocate(ctx, 1, fmt.Sprintf("digest-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if errors.Is(err, ErrInsufficientTokens) {
				failures++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(1, successes)
	require.Equal(allocators-1, failures)

	stats, err := s.Stats(ctx)
	require.NoError(err)
	require.Equal(int64(1), stats.Assigned)
	require.Zero(stats.Available)
}

func TestAllocatePartialIsReleased(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t, "")
	ctx := context.Background()

	require.NoError(s.InsertTokens(ctx, testTokens(t, "aa", 2, true)))

	_, err := s.Allocate(ctx, 3, "big")
	var insufficient *InsufficientTokensError
	require.ErrorAs(err, &insufficient)
	require.Equal(3, insufficient.Requested)
	require.Equal(2, insufficient.Claimed)
	require.ErrorIs(err, ErrInsufficientTokens)

	n, err := s.CountAvailable(ctx)
	require.NoError(err)
	require.Equal(int64(2), n)

	tokens, err := s.Allocate(ctx, 2, "small")
	require.NoError(err)
	require.Len(tokens, 2)
	for _, tok := range tokens {
		require.Equal("small", *tok.AssignedDigest)
		require.Len(tok.Secret, ledger.SecretSize)
	}
}

func TestAllocateSkipsUnconfirmedAndInvalid(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t, "")
	ctx := context.Background()

	require.NoError(s.InsertTokens(ctx, testTokens(t, "pending", 2, false)))
	require.NoError(s.InsertTokens(ctx, testTokens(t, "bad", 2, true)))

	n, err := s.MarkInvalid(ctx, "bad")
	require.NoError(err)
	require.Equal(int64(2), n)

	_, err = s.Allocate(ctx, 1, "d")
	require.ErrorIs(err, ErrInsufficientTokens)

	// Invalid tokens stay out of the pool even if a late proof arrives.
	_, err = s.MarkConfirmed(ctx, "bad")
	require.NoError(err)
	_, err = s.Allocate(ctx, 1, "d")
	require.ErrorIs(err, ErrInsufficientTokens)

	_, err = s.MarkConfirmed(ctx, "pending")
	require.NoError(err)
	tokens, err := s.Allocate(ctx, 2, "d")
	require.NoError(err)
	for _, tok := range tokens {
		require.Equal("pending", tok.TxID)
	}
}

func TestReleaseOnlyTouchesOwnDigest(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t, "")
	ctx := context.Background()

	require.NoError(s.InsertTokens(ctx, testTokens(t, "aa", 2, true)))
	mine, err := s.Allocate(ctx, 1, "mine")
	require.NoError(err)
	theirs, err := s.Allocate(ctx, 1, "theirs")
	require.NoError(err)

	require.NoError(s.Release(ctx, append(mine, theirs...), "mine"))

	n, err := s.CountAvailable(ctx)
	require.NoError(err)
	require.Equal(int64(1), n)
}

func TestEncryptedSecrets(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t, "correct horse")
	ctx := context.Background()

	tokens := testTokens(t, "aa", 1, true)
	require.NoError(s.InsertTokens(ctx, tokens))

	var row SQLiteToken
	require.NoError(s.db.First(&row).Error)
	require.Contains(row.Secret, ":")

	got, err := s.Allocate(ctx, 1, "d")
	require.NoError(err)
	require.Equal(tokens[0].Secret, got[0].Secret)

	salt, err := s.GetMetadata(ctx, SecretSaltKey)
	require.NoError(err)
	require.NotEmpty(salt)
}

func fundingBundle(t *testing.T) (*wire.MsgTx, string) {
	t.Helper()
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{9}, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(1, []byte{0x51}))
	b := ledger.NewBundle()
	require.NoError(t, b.AddTx(tx, nil))
	encoded, err := b.Hex()
	require.NoError(t, err)
	return tx, encoded
}

func TestMergeProofIsMonotonic(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t, "")
	ctx := context.Background()

	tx, beef := fundingBundle(t)
	txid := tx.TxHash()
	require.NoError(s.SaveFunding(ctx, Record{TxID: txid.String(), Beef: beef}, testTokens(t, txid.String(), 3, false)))

	pending, err := s.PendingTokenTxIDs(ctx)
	require.NoError(err)
	require.Equal([]string{txid.String()}, pending)

	path, err := ledger.NewMerklePathFromTSC(txid, 0, nil, 100)
	require.NoError(err)
	require.NoError(s.MergeProof(ctx, txid.String(), path, &StatusEvent{Source: "test", Status: "MINED"}))

	rec, err := s.FindRecord(ctx, txid.String())
	require.NoError(err)
	require.True(rec.Proven)
	require.Equal(uint32(100), *rec.BlockHeight)
	require.Equal(3, rec.TokenCount)
	last, ok := rec.LatestStatus()
	require.True(ok)
	require.Equal("MINED", last.Status)

	stored, err := ledger.ParseBundleHex(rec.Beef)
	require.NoError(err)
	require.True(stored.HasProof(txid))

	n, err := s.CountAvailable(ctx)
	require.NoError(err)
	require.Equal(int64(3), n)

	pending, err = s.PendingTokenTxIDs(ctx)
	require.NoError(err)
	require.Empty(pending)

	// A second merge of the same path keeps the proof.
	require.NoError(s.MergeProof(ctx, txid.String(), path, nil))
	rec, err = s.FindRecord(ctx, txid.String())
	require.NoError(err)
	stored, err = ledger.ParseBundleHex(rec.Beef)
	require.NoError(err)
	require.True(stored.HasProof(txid))

	require.ErrorIs(s.MergeProof(ctx, chainhash.Hash{1}.String(), path, nil), ErrRecordNotFound)
}

func TestFindRecordByDigestOldestFirst(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t, "")
	ctx := context.Background()

	require.NoError(s.SaveRecord(ctx, Record{TxID: "first", Kind: RecordKindCommitment, Digest: "dd", Payload: []byte("a"),
		Events: []StatusEvent{{Source: "arc", Status: "SEEN_ON_NETWORK"}}}))
	require.NoError(s.SaveRecord(ctx, Record{TxID: "second", Kind: RecordKindCommitment, Digest: "dd", Payload: []byte("b")}))

	rec, err := s.FindRecord(ctx, "dd")
	require.NoError(err)
	require.Equal("first", rec.TxID)
	require.Len(rec.Events, 1)

	rec, err = s.FindRecord(ctx, "second")
	require.NoError(err)
	require.Equal([]byte("b"), rec.Payload)

	_, err = s.FindRecord(ctx, "missing")
	require.ErrorIs(err, ErrRecordNotFound)

	require.ErrorIs(s.AppendStatus(ctx, StatusEvent{TxID: "missing", Status: "x"}), ErrRecordNotFound)
	require.NoError(s.AppendStatus(ctx, StatusEvent{TxID: "second", Status: "MINED"}))

	unproven, err := s.UnprovenCommitmentTxIDs(ctx)
	require.NoError(err)
	require.Equal([]string{"first", "second"}, unproven)
}

func TestIncrementAttemptsStalls(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t, "")
	ctx := context.Background()

	require.NoError(s.SaveRecord(ctx, Record{TxID: "c1", Kind: RecordKindCommitment, Digest: "d"}))

	attempts, stalled, err := s.IncrementAttempts(ctx, "c1", 2)
	require.NoError(err)
	require.Equal(1, attempts)
	require.False(stalled)

	attempts, stalled, err = s.IncrementAttempts(ctx, "c1", 2)
	require.NoError(err)
	require.Equal(2, attempts)
	require.True(stalled)

	unproven, err := s.UnprovenCommitmentTxIDs(ctx)
	require.NoError(err)
	require.Empty(unproven)

	ids, err := s.StalledTxIDs(ctx)
	require.NoError(err)
	require.Equal([]string{"c1"}, ids)

	require.NoError(s.Unstall(ctx, "c1"))
	unproven, err = s.UnprovenCommitmentTxIDs(ctx)
	require.NoError(err)
	require.Equal([]string{"c1"}, unproven)

	_, _, err = s.IncrementAttempts(ctx, "nope", 2)
	require.ErrorIs(err, ErrRecordNotFound)
}
