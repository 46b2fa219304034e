package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// ExecType classifies an execution ledger entry.
type ExecType string

const (
	ExecOrderFill       ExecType = "order_fill"
	ExecPartialExit     ExecType = "partial_exit"
	ExecTrailingUpdate  ExecType = "trailing_update"
	ExecStateTransition ExecType = "state_transition"
)

// Execution is an immutable ledger entry: one fill, transition, scale-out or trailing update.
type Execution struct {
	ID              string
	TradeID         string
	Type            ExecType
	Side            OrderSide
	Quantity        float64
	Price           float64
	Commission      float64
	Timestamp       time.Time
	ExchangeOrderID int64
	DedupKey        string
	StateFrom       OrderState // empty when not a transition record
	StateTo         OrderState
}

// HistoryDigest hashes the ordered, identity-free content of a trade's ledger
// (type, states, quantity, price). Two runs fed the same inputs produce the
// same digest even though ids and generated dedup keys differ.
func HistoryDigest(execs []*Execution) string {
	h := sha256.New()
	for _, e := range execs {
		fmt.Fprintf(h, "%s|%s|%s|%s|%s\n",
			e.Type, e.StateFrom, e.StateTo,
			strconv.FormatFloat(e.Quantity, 'f', -1, 64),
			strconv.FormatFloat(e.Price, 'f', -1, 64))
	}
	return hex.EncodeToString(h.Sum(nil))
}
