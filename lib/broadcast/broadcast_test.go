package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	name  string
	err   error
	calls int
}

func (f *fakeBroadcaster) Name() string { return f.name }

func (f *fakeBroadcaster) Broadcast(ctx context.Context, tx *wire.MsgTx) (*Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Result{Status: "SEEN_ON_NETWORK"}, nil
}

func testTx() *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{7}, 0), []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(0, []byte{0x6a, 0x01, 0x01}))
	return tx
}

func TestDispatcherFailover(t *testing.T) {
	require := require.New(t)

	first := &fakeBroadcaster{name: "first", err: errors.New("connection refused")}
	second := &fakeBroadcaster{name: "second"}
	third := &fakeBroadcaster{name: "third"}
	d := NewDispatcher(nil, first, second, third)
	require.Equal([]string{"first", "second", "third"}, d.Endpoints())

	tx := testTx()
	res, err := d.Broadcast(context.Background(), tx)
	require.NoError(err)
	require.Equal("second", res.Endpoint)
	require.Equal(tx.TxHash().String(), res.TxID)
	require.Equal(1, first.calls)
	require.Equal(1, second.calls)
	require.Zero(third.calls)
}

func TestDispatcherTotalFailureIsGeneric(t *testing.T) {
	require := require.New(t)

	secret := errors.New("endpoint detail")
	d := NewDispatcher(nil,
		&fakeBroadcaster{name: "a", err: secret},
		&fakeBroadcaster{name: "b", err: secret},
	)
	_, err := d.Broadcast(context.Background(), testTx())
	require.ErrorIs(err, ErrBroadcastFailed)
	require.NotErrorIs(err, secret)
}

func TestARCBroadcast(t *testing.T) {
	require := require.New(t)

	tx := testTx()
	txHex, err := ledger.TxHex(tx)
	require.NoError(err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/tx":
			require.Equal("Bearer key", r.Header.Get("Authorization"))
			require.Equal("https://example.com/callback", r.Header.Get("X-CallbackUrl"))
			require.Equal("token", r.Header.Get("X-CallbackToken"))
			var body map[string]string
			require.NoError(json.NewDecoder(r.Body).Decode(&body))
			if body["rawTx"] != txHex {
				w.WriteHeader(http.StatusUnprocessableEntity)
				fmt.Fprint(w, `{"status":422,"title":"Unprocessable","detail":"bad tx"}`)
				return
			}
			fmt.Fprintf(w, `{"txid":"%s","txStatus":"SEEN_ON_NETWORK","status":200}`, tx.TxHash())
		case r.Method == http.MethodGet && r.URL.Path == "/v1/tx/mined":
			fmt.Fprint(w, `{"txid":"mined","txStatus":"MINED","blockHeight":5,"merklePath":"0500"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	arc := NewARC(ARCConfig{
		URL:           srv.URL + "/",
		APIKey:        "key",
		CallbackURL:   "https://example.com/callback",
		CallbackToken: "token",
	})
	res, err := arc.Broadcast(context.Background(), tx)
	require.NoError(err)
	require.Equal("SEEN_ON_NETWORK", res.Status)
	require.Equal(tx.TxHash().String(), res.TxID)

	other := testTx()
	other.TxOut[0].Value = 5
	_, err = arc.Broadcast(context.Background(), other)
	require.Error(err)

	status, err := arc.Status(context.Background(), "mined")
	require.NoError(err)
	require.Equal(StatusMined, status.TxStatus)
	require.Equal("0500", status.MerklePath)

	_, err = arc.Status(context.Background(), "nope")
	require.ErrorIs(err, ErrUnknownTx)
}

func TestARCRejectedStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"txid":"x","txStatus":"DOUBLE_SPEND_ATTEMPTED","status":200}`)
	}))
	defer srv.Close()

	_, err := NewARC(ARCConfig{URL: srv.URL}).Broadcast(context.Background(), testTx())
	require.Error(t, err)
	require.True(t, IsFailureStatus("rejected"))
	require.False(t, IsFailureStatus("SEEN_ON_NETWORK"))
}

func TestRawHTTP(t *testing.T) {
	require := require.New(t)

	var gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		fmt.Fprint(w, "txid")
	}))
	defer srv.Close()

	tx := testTx()
	txHex, err := ledger.TxHex(tx)
	require.NoError(err)

	_, err = NewRawHTTP("plain", srv.URL, "", 0).Broadcast(context.Background(), tx)
	require.NoError(err)
	require.Equal("text/plain", gotType)
	require.Equal(txHex, gotBody)

	_, err = NewRawHTTP("json", srv.URL, "tx", 0).Broadcast(context.Background(), tx)
	require.NoError(err)
	require.Equal("application/json", gotType)
	require.JSONEq(fmt.Sprintf(`{"tx":%q}`, txHex), gotBody)
}

func TestBuildEndpoints(t *testing.T) {
	require := require.New(t)

	e := Endpoints{ARC: ARCConfig{URL: "https://arc.example"}, Electrum: ElectrumConfig{ServerAddr: "host:50002"}}
	got, err := e.Build([]Spec{
		{Kind: "arc"},
		{Kind: "http", URL: "https://mempool.example/api/tx"},
		{Kind: "electrum"},
	})
	require.NoError(err)
	require.Len(got, 3)
	require.Equal("arc", got[0].Name())
	require.Equal("https://mempool.example/api/tx", got[1].Name())
	require.Equal("electrum", got[2].Name())

	_, err = e.Build([]Spec{{Kind: "explorer"}})
	require.Error(err)
	_, err = e.Build([]Spec{{Kind: "carrier-pigeon"}})
	require.Error(err)
	_, err = e.Build(nil)
	require.Error(err)
}
