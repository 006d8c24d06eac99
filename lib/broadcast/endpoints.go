package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Maphikza/truth-machine/lib/ledger"
	"github.com/Maphikza/truth-machine/lib/woc"
	"github.com/btcsuite/btcd/wire"
	"github.com/checksum0/go-electrum/electrum"
)

// RawHTTP posts the transaction hex to a mempool style endpoint, either as
// text/plain or wrapped in a JSON object under JSONKey.
type RawHTTP struct {
	name    string
	url     string
	jsonKey string
	client  *http.Client
}

// NewRawHTTP returns a text/plain broadcaster when jsonKey is empty.
func NewRawHTTP(name, url, jsonKey string, timeout time.Duration) *RawHTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RawHTTP{name: name, url: url, jsonKey: jsonKey, client: &http.Client{Timeout: timeout}}
}

func (r *RawHTTP) Name() string { return r.name }

func (r *RawHTTP) Broadcast(ctx context.Context, tx *wire.MsgTx) (*Result, error) {
	txHex, err := ledger.TxHex(tx)
	if err != nil {
		return nil, err
	}
	data, contentType := txHex, "text/plain"
	if r.jsonKey != "" {
		jsonBytes, err := json.Marshal(map[string]string{r.jsonKey: txHex})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JSON: %v", err)
		}
		data, contentType = string(jsonBytes), "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewBufferString(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned non-200 status code: %d, Body: %s", resp.StatusCode, string(body))
	}
	return &Result{Endpoint: r.name, Status: "ACCEPTED", Message: strings.TrimSpace(string(body))}, nil
}

// Explorer broadcasts through the block explorer's raw transaction route.
type Explorer struct {
	client *woc.Client
}

func NewExplorer(client *woc.Client) *Explorer {
	return &Explorer{client: client}
}

func (e *Explorer) Name() string { return "explorer" }

func (e *Explorer) Broadcast(ctx context.Context, tx *wire.MsgTx) (*Result, error) {
	txHex, err := ledger.TxHex(tx)
	if err != nil {
		return nil, err
	}
	txid, err := e.client.BroadcastRaw(ctx, txHex)
	if err != nil {
		return nil, err
	}
	return &Result{Endpoint: e.Name(), TxID: txid, Status: "ACCEPTED"}, nil
}

// ElectrumConfig configures an Electrum relay.
type ElectrumConfig struct {
	ServerAddr string
	UseSSL     bool
}

// Electrum broadcasts over the Electrum protocol. A connection is opened
// per broadcast.
type Electrum struct {
	cfg ElectrumConfig
}

func NewElectrum(cfg ElectrumConfig) *Electrum {
	return &Electrum{cfg: cfg}
}

func (e *Electrum) Name() string { return "electrum" }

func (e *Electrum) connect(ctx context.Context) (*electrum.Client, error) {
	if e.cfg.UseSSL {
		return electrum.NewClientSSL(ctx, e.cfg.ServerAddr, nil)
	}
	return electrum.NewClientTCP(ctx, e.cfg.ServerAddr)
}

func (e *Electrum) Broadcast(ctx context.Context, tx *wire.MsgTx) (*Result, error) {
	txHex, err := ledger.TxHex(tx)
	if err != nil {
		return nil, err
	}
	client, err := e.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Electrum server: %v", err)
	}
	defer client.Shutdown()

	txid, err := client.BroadcastTransaction(ctx, txHex)
	if err != nil {
		return nil, fmt.Errorf("electrum broadcast failed: %v", err)
	}
	return &Result{Endpoint: e.Name(), TxID: txid, Status: "ACCEPTED"}, nil
}

// Spec describes one configured endpoint.
type Spec struct {
	Kind    string `mapstructure:"kind" json:"kind"`
	Name    string `mapstructure:"name" json:"name"`
	URL     string `mapstructure:"url" json:"url"`
	JSONKey string `mapstructure:"json_key" json:"json_key,omitempty"`
}

// Endpoints holds the shared collaborators endpoint specs are built from.
type Endpoints struct {
	ARC      ARCConfig
	Explorer *woc.Client
	Electrum ElectrumConfig
	Timeout  time.Duration
}

// Build turns endpoint specs into broadcasters, preserving order.
func (e Endpoints) Build(specs []Spec) ([]Broadcaster, error) {
	var out []Broadcaster
	for _, s := range specs {
		switch strings.ToLower(s.Kind) {
		case "arc":
			cfg := e.ARC
			if s.URL != "" {
				cfg.URL = s.URL
			}
			if cfg.URL == "" {
				return nil, fmt.Errorf("arc endpoint requires a url")
			}
			out = append(out, NewARC(cfg))
		case "explorer", "woc":
			if e.Explorer == nil {
				return nil, fmt.Errorf("explorer endpoint requires an explorer client")
			}
			out = append(out, NewExplorer(e.Explorer))
		case "electrum":
			cfg := e.Electrum
			if s.URL != "" {
				cfg.ServerAddr = s.URL
			}
			if cfg.ServerAddr == "" {
				return nil, fmt.Errorf("electrum endpoint requires a server address")
			}
			out = append(out, NewElectrum(cfg))
		case "http", "raw":
			if s.URL == "" {
				return nil, fmt.Errorf("http endpoint requires a url")
			}
			name := s.Name
			if name == "" {
				name = s.URL
			}
			out = append(out, NewRawHTTP(name, s.URL, s.JSONKey, e.Timeout))
		default:
			return nil, fmt.Errorf("unknown broadcaster kind %q", s.Kind)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no broadcast endpoints configured")
	}
	return out, nil
}
