package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultGasLimit is the fixed gas ceiling for setGreeting transactions.
const DefaultGasLimit uint64 = 200000

// ErrNoAccounts is returned when the node exposes no accounts to send from.
var ErrNoAccounts = errors.New("no accounts found on node")

// ErrTxReverted is reported when a mined transaction has a failed status.
var ErrTxReverted = errors.New("transaction reverted")

// Contract abstracts the deployed greeting contract. Every call is a round
// trip to the node; nothing is cached.
type Contract interface {
	Greeting(ctx context.Context) (string, error)
	ContractInfo(ctx context.Context) (Summary, error)
	HistoryCount(ctx context.Context) (uint64, error)
	HistoryEntry(ctx context.Context, index uint64) (HistoryEntry, error)
	// SetGreeting submits the write from the bound account and blocks until
	// the transaction is included.
	SetGreeting(ctx context.Context, greeting string) (Receipt, error)
}

// HealthChecker is implemented by clients that can probe the node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Summary is the getContractInfo snapshot.
type Summary struct {
	CurrentGreeting string         `json:"currentGreeting"`
	Owner           common.Address `json:"owner"`
	TotalGreetings  uint64         `json:"totalGreetings"`
	HistoryLength   uint64         `json:"historyLength"`
}

// HistoryEntry is one immutable record returned by getGreetingFromHistory.
type HistoryEntry struct {
	Index     uint64         `json:"index"`
	Message   string         `json:"message"`
	UpdatedBy common.Address `json:"updatedBy"`
	Timestamp time.Time      `json:"timestamp"`
}

// GreetingUpdated is the decoded event emitted by setGreeting.
type GreetingUpdated struct {
	OldGreeting string         `json:"oldGreeting"`
	NewGreeting string         `json:"newGreeting"`
	UpdatedBy   common.Address `json:"updatedBy"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Receipt describes an included setGreeting transaction.
type Receipt struct {
	TxHash      common.Hash      `json:"txHash"`
	BlockNumber uint64           `json:"blockNumber"`
	GasUsed     uint64           `json:"gasUsed"`
	Event       *GreetingUpdated `json:"event,omitempty"`
}

// CallError wraps a failure reported by the node or the contract: a revert,
// an RPC error or a failed receipt. Its message is the underlying message.
type CallError struct {
	Method string
	Err    error
}

func (e *CallError) Error() string {
	return e.Err.Error()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func callError(method string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	return &CallError{Method: method, Err: err}
}

func toUint64(v *big.Int, field string) (uint64, error) {
	if v == nil {
		return 0, fmt.Errorf("%s: missing value", field)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%s: value %s out of range", field, v.String())
	}
	return v.Uint64(), nil
}

func unixTime(v *big.Int) time.Time {
	if v == nil || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
