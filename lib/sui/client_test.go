package sui

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const digest = "5Hq2mRDoPLGtdGpnxvX6DkzJwnW4kYzYv8eZC8TuF1nU"

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

func rpcServer(t *testing.T, handle func(req rpcRequest) (any, *int, error)) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body %s: %v", body, err)
			return
		}

		result, status, err := handle(req)
		if status != nil {
			w.WriteHeader(*status)
			return
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if err != nil {
			resp["error"] = map[string]any{"code": -32602, "message": err.Error()}
		} else {
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

func TestGetTransactionBlock(t *testing.T) {
	srv, _ := rpcServer(t, func(req rpcRequest) (any, *int, error) {
		if req.Method != "sui_getTransactionBlock" {
			t.Errorf("method: got %q", req.Method)
		}

		if len(req.Params) != 2 || req.Params[0] != digest {
			t.Errorf("params: got %v", req.Params)
		}

		return json.RawMessage(`{
			"digest": "` + digest + `",
			"transaction": {"data": {"sender": "0xbbb"}},
			"effects": {"status": {"status": "success"}},
			"balanceChanges": [
				{"owner": {"AddressOwner": "0xBBB"}, "coinType": "0x2::sui::SUI", "amount": "-500000"},
				{"owner": {"ObjectOwner": "0xccc"}, "coinType": "0x2::sui::SUI", "amount": "1"},
				{"owner": {"Shared": {"initial_shared_version": 1}}, "coinType": "0x2::sui::SUI", "amount": "0"},
				{"owner": "0xAAA", "coinType": "0x2::sui::SUI", "amount": "500000"}
			],
			"timestampMs": "1760000000000",
			"checkpoint": "42"
		}`), nil, nil
	})

	c, err := Dial(t.Context(), srv.URL, 0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	tx, err := c.GetTransactionBlock(t.Context(), digest)
	if err != nil {
		t.Fatal(err)
	}

	if tx.Status() != "success" || tx.Sender() != "0xbbb" || tx.Checkpoint != "42" {
		t.Errorf("unexpected transaction: %+v", tx)
	}

	wantKinds := []string{"address", "object", "shared", "address"}
	for i, bc := range tx.BalanceChanges {
		if bc.Owner.Kind != wantKinds[i] {
			t.Errorf("balance change %d: kind %q, want %q", i, bc.Owner.Kind, wantKinds[i])
		}
	}

	if !tx.BalanceChanges[3].Owner.Is("0xaaa") {
		t.Error("owner comparison should ignore case")
	}

	if tx.BalanceChanges[2].Owner.Is("") {
		t.Error("shared owner matched an empty address")
	}
}

func TestGetTransactionBlockErrors(t *testing.T) {
	t.Run("rpc errors are not retried", func(t *testing.T) {
		srv, calls := rpcServer(t, func(rpcRequest) (any, *int, error) {
			return nil, nil, errors.New("Could not find the referenced transaction")
		})

		c, err := Dial(t.Context(), srv.URL, 3, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()

		if _, err := c.GetTransactionBlock(t.Context(), digest); err == nil {
			t.Fatal("wanted an error")
		}

		if got := calls.Load(); got != 1 {
			t.Errorf("wanted 1 call, got %d", got)
		}
	})

	t.Run("server errors are retried", func(t *testing.T) {
		var n atomic.Int64
		srv, calls := rpcServer(t, func(rpcRequest) (any, *int, error) {
			if n.Add(1) == 1 {
				status := http.StatusBadGateway
				return nil, &status, nil
			}
			return map[string]any{"digest": digest}, nil, nil
		})

		c, err := Dial(t.Context(), srv.URL, 3, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()

		tx, err := c.GetTransactionBlock(t.Context(), digest)
		if err != nil {
			t.Fatal(err)
		}

		if tx.Digest != digest {
			t.Errorf("digest: got %q", tx.Digest)
		}

		if got := calls.Load(); got != 2 {
			t.Errorf("wanted 2 calls, got %d", got)
		}
	})

	t.Run("null result", func(t *testing.T) {
		srv, _ := rpcServer(t, func(rpcRequest) (any, *int, error) {
			return nil, nil, nil
		})

		c, err := Dial(t.Context(), srv.URL, 0, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()

		if _, err := c.GetTransactionBlock(t.Context(), digest); !errors.Is(err, ErrNotFound) {
			t.Errorf("wanted ErrNotFound, got: %v", err)
		}
	})
}

func TestPool(t *testing.T) {
	mainnet, testnet := &Client{url: MainnetRPC}, &Client{url: TestnetRPC}
	p := NewPool(map[string]Ledger{"mainnet": mainnet, "testnet": testnet})

	for _, tt := range []struct {
		chain string
		want  Ledger
	}{
		{"sui-mainnet", mainnet},
		{"sui-testnet", testnet},
		{"sui-devnet", testnet},
		{"", testnet},
	} {
		t.Run(tt.chain, func(t *testing.T) {
			got, err := p.For(tt.chain)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("wrong ledger for %q", tt.chain)
			}
		})
	}

	if _, err := NewPool(nil).For("sui-mainnet"); !errors.Is(err, ErrNoLedger) {
		t.Errorf("wanted ErrNoLedger, got: %v", err)
	}
}
