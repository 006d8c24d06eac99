package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Maphikza/truth-machine/internal/commitment"
	"github.com/Maphikza/truth-machine/internal/database"
	"github.com/Maphikza/truth-machine/internal/tracker"
	"github.com/Maphikza/truth-machine/internal/treasury"
	"github.com/Maphikza/truth-machine/internal/verifier"
	"github.com/Maphikza/truth-machine/lib/broadcast"
	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const (
	adminSecret   = "admin-secret"
	callbackToken = "callback-token"
)

type fakeTreasury struct {
	fundErr   error
	statusErr error
}

func (f *fakeTreasury) Fund(ctx context.Context, target int) (*treasury.FundResult, error) {
	if f.fundErr != nil {
		return nil, f.fundErr
	}
	return &treasury.FundResult{FundingTxID: "abc", Created: target}, nil
}

func (f *fakeTreasury) Status(ctx context.Context) (*treasury.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &treasury.Status{Address: "addr", Balance: 42, Tokens: 7}, nil
}

type fakeDispatcher struct {
	fail bool
}

func (d *fakeDispatcher) Broadcast(ctx context.Context, tx *wire.MsgTx) (*broadcast.Result, error) {
	if d.fail {
		return nil, broadcast.ErrBroadcastFailed
	}
	return &broadcast.Result{Endpoint: "fake", TxID: tx.TxHash().String(), Status: "SEEN_ON_NETWORK"}, nil
}

type fakeChecker struct {
	status string
	err    error
	calls  int
}

func (f *fakeChecker) Status(ctx context.Context, txid string) (*broadcast.TxStatus, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &broadcast.TxStatus{TxID: txid, TxStatus: f.status}, nil
}

type fakeTracker struct {
	known map[string]bool
	seen  []tracker.Notification
}

func (f *fakeTracker) ResolvePending(ctx context.Context) ([]tracker.Outcome, error) {
	return []tracker.Outcome{{TxID: "abc", State: tracker.Resolved}}, nil
}

func (f *fakeTracker) HandleCallback(ctx context.Context, n tracker.Notification) error {
	if !f.known[n.TxID] {
		return database.ErrRecordNotFound
	}
	f.seen = append(f.seen, n)
	return nil
}

type chainStub struct{}

func (chainStub) IsValidRootForHeight(ctx context.Context, root chainhash.Hash, height uint32) (bool, error) {
	return false, nil
}

func (chainStub) CurrentHeight(ctx context.Context) (uint32, error) { return 0, nil }

type harness struct {
	store      *database.Store
	treasury   *fakeTreasury
	dispatcher *fakeDispatcher
	checker    *fakeChecker
	tracker    *fakeTracker
	handler    http.Handler
}

func newHarness(t *testing.T, tokens int) *harness {
	t.Helper()
	store, err := database.Open(":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	if tokens > 0 {
		fund(t, store, tokens)
	}

	h := &harness{
		store:      store,
		treasury:   &fakeTreasury{},
		dispatcher: &fakeDispatcher{},
		checker:    &fakeChecker{err: broadcast.ErrUnknownTx},
		tracker:    &fakeTracker{known: map[string]bool{}},
	}
	a := &API{
		Treasury:   h.treasury,
		Committer:  commitment.NewBuilder(store, commitment.Config{}),
		Dispatcher: h.dispatcher,
		Checker:    h.checker,
		Records:    store,
		Tracker:    h.tracker,
		Verifier:   verifier.New(store, chainStub{}),
		Network:    "test",
	}
	h.handler = NewRouter(a, ServerConfig{AllowedOrigin: "*", AdminJWTSecret: adminSecret, CallbackToken: callbackToken})
	return h
}

func fund(t *testing.T, store *database.Store, n int) {
	t.Helper()
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x09}, 0), nil, nil))
	tokens := make([]database.Token, n)
	for i := range tokens {
		pair, err := ledger.NewSecretPair()
		require.NoError(t, err)
		lock, err := ledger.HashPuzzleLock(pair.Hash)
		require.NoError(t, err)
		tx.AddTxOut(wire.NewTxOut(1, lock))
		tokens[i] = database.Token{Vout: uint32(i), Script: hex.EncodeToString(lock), Satoshis: 1,
			Secret: pair.Secret, Challenge: hex.EncodeToString(pair.Hash)}
	}
	txid := tx.TxHash().String()
	for i := range tokens {
		tokens[i].TxID = txid
	}
	b := ledger.NewBundle()
	require.NoError(t, b.AddTx(tx, nil))
	beef, err := b.Hex()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.SaveFunding(ctx, database.Record{TxID: txid, Beef: beef}, tokens))
	_, err = store.MarkConfirmed(ctx, txid)
	require.NoError(t, err)
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func adminRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	token, err := GenerateJWT([]byte(adminSecret), "admin", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestUploadDownloadIntegrity(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 1)

	content := []byte("the original document")
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(content))
	req.Header.Set("Content-Type", "text/plain")
	rec := h.do(req)
	require.Equal(http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(rec.Header().Get("X-Request-ID"))

	var up UploadResponse
	decode(t, rec, &up)
	digest := sha256.Sum256(content)
	require.Equal(hex.EncodeToString(digest[:]), up.Digest)
	require.Equal("test", up.Network)
	require.Equal(1, up.Tokens)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/download/"+up.TxID, nil))
	require.Equal(http.StatusOK, rec.Code)
	require.Equal(content, rec.Body.Bytes())
	require.Equal("text/plain", rec.Header().Get("Content-Type"))
	require.Contains(rec.Header().Get("Content-Disposition"), "attachment; filename="+up.TxID+"-")
	require.Contains(rec.Header().Get("Content-Disposition"), ".plain")

	rec = h.do(httptest.NewRequest(http.MethodGet, "/download/"+up.Digest, nil))
	require.Equal(http.StatusOK, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/integrity/"+up.TxID, nil))
	require.Equal(http.StatusOK, rec.Code, rec.Body.String())
	var verdict verifier.Result
	decode(t, rec, &verdict)
	require.True(verdict.Valid)
	require.True(verdict.MatchedCommitment)
	require.True(verdict.BroadcastAccepted)
	require.False(verdict.InBlock)

	// A modified file maps to a digest nothing committed to.
	tampered := sha256.Sum256([]byte("the modified document"))
	rec = h.do(httptest.NewRequest(http.MethodGet, "/integrity/"+hex.EncodeToString(tampered[:]), nil))
	require.Equal(http.StatusNotFound, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/download/missing", nil))
	require.Equal(http.StatusNotFound, rec.Code)
}

func TestUploadMultipart(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(err)
	_, err = io.WriteString(part, "multipart content")
	require.NoError(err)
	require.NoError(mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := h.do(req)
	require.Equal(http.StatusOK, rec.Code, rec.Body.String())

	var up UploadResponse
	decode(t, rec, &up)
	stored, err := h.store.FindRecord(context.Background(), up.TxID)
	require.NoError(err)
	require.Equal("notes.txt", stored.FileName)
	require.Equal([]byte("multipart content"), stored.Payload)
}

func TestUploadWithoutTokens(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader([]byte("data"))))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUploadBroadcastFailureReleasesTokens(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 1)
	h.dispatcher.fail = true
	h.checker.err = nil
	h.checker.status = broadcast.StatusRejected

	rec := h.do(httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader([]byte("data"))))
	require.Equal(http.StatusBadGateway, rec.Code)
	require.NotContains(rec.Body.String(), "fake")
	require.Equal(1, h.checker.calls)

	n, err := h.store.CountAvailable(context.Background())
	require.NoError(err)
	require.Equal(int64(1), n)
}

func TestUploadAmbiguousBroadcastKeepsRecord(t *testing.T) {
	cases := map[string]*fakeChecker{
		"relay unreachable": {err: errors.New("HTTP request failed: timeout")},
		"unknown to relay":  {err: broadcast.ErrUnknownTx},
		"still propagating": {status: "SEEN_ON_NETWORK"},
	}
	for name, checker := range cases {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			h := newHarness(t, 1)
			h.dispatcher.fail = true
			h.checker.status = checker.status
			h.checker.err = checker.err

			content := []byte("maybe broadcast")
			rec := h.do(httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(content)))
			require.Equal(http.StatusAccepted, rec.Code)
			var resp UploadResponse
			decode(t, rec, &resp)
			require.Equal(broadcast.StatusUnknown, resp.Status)
			digest := sha256.Sum256(content)
			require.Equal(hex.EncodeToString(digest[:]), resp.Digest)

			ctx := context.Background()
			n, err := h.store.CountAvailable(ctx)
			require.NoError(err)
			require.Zero(n)

			stored, err := h.store.FindRecord(ctx, resp.TxID)
			require.NoError(err)
			require.False(stored.Proven)
			require.False(stored.Invalid)
			require.Len(stored.Events, 1)
			require.Equal(broadcast.StatusUnknown, stored.Events[0].Status)

			pending, err := h.store.UnprovenCommitmentTxIDs(ctx)
			require.NoError(err)
			require.Contains(pending, resp.TxID)
		})
	}
}

func TestFundRequiresAdmin(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 0)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/fund/10", nil))
	require.Equal(http.StatusUnauthorized, rec.Code)

	rec = h.do(adminRequest(t, http.MethodGet, "/fund/10"))
	require.Equal(http.StatusOK, rec.Code)
	var res FundResponse
	decode(t, rec, &res)
	require.Equal(10, res.Number)

	rec = h.do(adminRequest(t, http.MethodGet, "/fund/zero"))
	require.Equal(http.StatusBadRequest, rec.Code)

	h.treasury.fundErr = treasury.ErrInsufficientFunds
	rec = h.do(adminRequest(t, http.MethodGet, "/fund/10"))
	require.Equal(http.StatusPaymentRequired, rec.Code)

	h.treasury.fundErr = broadcast.ErrBroadcastFailed
	rec = h.do(adminRequest(t, http.MethodGet, "/fund/10"))
	require.Equal(http.StatusBadGateway, rec.Code)

	expired, err := GenerateJWT([]byte(adminSecret), "admin", -time.Minute)
	require.NoError(err)
	req := httptest.NewRequest(http.MethodGet, "/fund/10", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = h.do(req)
	require.Equal(http.StatusUnauthorized, rec.Code)
}

func TestCheckTreasury(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 0)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/checkTreasury", nil))
	require.Equal(http.StatusOK, rec.Code)
	var res TreasuryResponse
	decode(t, rec, &res)
	require.Equal(int64(42), res.Balance)
	require.Equal(int64(7), res.Tokens)

	h.treasury.statusErr = treasury.ErrUnavailable
	rec = h.do(httptest.NewRequest(http.MethodGet, "/checkTreasury", nil))
	require.Equal(http.StatusServiceUnavailable, rec.Code)
}

func TestCallbackAuth(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 0)
	h.tracker.known["abc"] = true

	body := func(txid string) io.Reader {
		return bytes.NewReader([]byte(`{"txid":"` + txid + `","txStatus":"MINED"}`))
	}

	rec := h.do(httptest.NewRequest(http.MethodPost, "/callback", body("abc")))
	require.Equal(http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/callback", body("abc"))
	req.Header.Set("Authorization", "Bearer wrong")
	require.Equal(http.StatusUnauthorized, h.do(req).Code)
	require.Empty(h.tracker.seen)

	req = httptest.NewRequest(http.MethodPost, "/callback", body("abc"))
	req.Header.Set("Authorization", "Bearer "+callbackToken)
	rec = h.do(req)
	require.Equal(http.StatusOK, rec.Code)
	require.JSONEq(`{"accepted":true}`, rec.Body.String())
	require.Len(h.tracker.seen, 1)

	req = httptest.NewRequest(http.MethodPost, "/callback", body("unknown"))
	req.Header.Set("Authorization", "Bearer "+callbackToken)
	require.Equal(http.StatusNotFound, h.do(req).Code)
}

func TestUtxoStatusUpdate(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, 0)

	rec := h.do(adminRequest(t, http.MethodGet, "/utxoStatusUpdate"))
	require.Equal(http.StatusOK, rec.Code)
	var res StatusUpdateResponse
	decode(t, rec, &res)
	require.True(res.Success)
	require.Len(res.Updated, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
