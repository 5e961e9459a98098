package sui

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Owner of a balance change. The RPC returns either a bare address string or
// one of the tagged forms {"AddressOwner": ...}, {"ObjectOwner": ...},
// {"Shared": {...}}.
type Owner struct {
	Kind    string // "address", "object", "shared", "immutable"
	Address string // empty for shared and immutable owners
}

func (o *Owner) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		if s == "Immutable" {
			*o = Owner{Kind: "immutable"}
			return nil
		}

		*o = Owner{Kind: "address", Address: s}
		return nil
	}

	var tagged struct {
		AddressOwner string          `json:"AddressOwner"`
		ObjectOwner  string          `json:"ObjectOwner"`
		Shared       json.RawMessage `json:"Shared"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("sui: can't decode owner %s: %w", data, err)
	}

	switch {
	case tagged.AddressOwner != "":
		*o = Owner{Kind: "address", Address: tagged.AddressOwner}
	case tagged.ObjectOwner != "":
		*o = Owner{Kind: "object", Address: tagged.ObjectOwner}
	case tagged.Shared != nil:
		*o = Owner{Kind: "shared"}
	default:
		*o = Owner{}
	}

	return nil
}

// Is reports whether the owner is addr, ignoring case.
func (o Owner) Is(addr string) bool {
	return o.Address != "" && strings.EqualFold(o.Address, addr)
}

// BalanceChange is one entry of a transaction's balanceChanges. Amount is a
// signed base-unit integer encoded as a decimal string.
type BalanceChange struct {
	Owner    Owner  `json:"owner"`
	CoinType string `json:"coinType"`
	Amount   string `json:"amount"`
}

// TransactionBlock is the subset of sui_getTransactionBlock the verifier
// reads.
type TransactionBlock struct {
	Digest         string          `json:"digest"`
	Transaction    *Transaction    `json:"transaction,omitempty"`
	Effects        *Effects        `json:"effects,omitempty"`
	BalanceChanges []BalanceChange `json:"balanceChanges"`
	TimestampMs    string          `json:"timestampMs,omitempty"`
	Checkpoint     string          `json:"checkpoint,omitempty"`
}

type Transaction struct {
	Data struct {
		Sender string `json:"sender"`
	} `json:"data"`
}

type Effects struct {
	Status ExecutionStatus `json:"status"`
}

type ExecutionStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Status is the execution status, "success" or "failure", or empty when
// effects were not returned.
func (t TransactionBlock) Status() string {
	if t.Effects == nil {
		return ""
	}

	return t.Effects.Status.Status
}

func (t TransactionBlock) Sender() string {
	if t.Transaction == nil {
		return ""
	}

	return t.Transaction.Data.Sender
}
