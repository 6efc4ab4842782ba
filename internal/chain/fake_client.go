package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"greeter/internal/contracts"
)

// Revert messages of the deployed contract's require checks.
var (
	ErrFakeEmptyGreeting   = errors.New("execution reverted: Greeting cannot be empty")
	ErrFakeGreetingTooLong = errors.New("execution reverted: Greeting too long")
	ErrFakeIndexOutOfRange = errors.New("execution reverted: Index out of bounds")
)

// Fake emulates the greeting contract in memory. It backs the fake node used
// in tests and the --fake development mode, and counts calls per method.
type Fake struct {
	mu       sync.Mutex
	owner    common.Address
	sender   common.Address
	greeting string
	total    uint64
	history  []HistoryEntry
	calls    map[string]int
	failures map[string]error
	block    uint64

	// Now supplies block timestamps. Defaults to time.Now.
	Now func() time.Time
}

// NewFake deploys a fake contract owned by owner with an initial greeting.
// Writes through the Contract interface are attributed to owner.
func NewFake(owner common.Address, initial string) *Fake {
	f := &Fake{
		owner:    owner,
		sender:   owner,
		calls:    make(map[string]int),
		failures: make(map[string]error),
		Now:      time.Now,
	}
	f.greeting = initial
	f.total = 1
	f.history = append(f.history, HistoryEntry{
		Index:     0,
		Message:   initial,
		UpdatedBy: owner,
		Timestamp: f.now(),
	})
	return f
}

// AsSender returns a handle on the same state whose writes come from addr.
func (f *Fake) AsSender(addr common.Address) Contract {
	return fakeSender{f: f, from: addr}
}

// Fail makes every call to method return err until cleared with a nil err.
func (f *Fake) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// Calls reports how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// ResetCalls zeroes the call counters.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

func (f *Fake) Owner() common.Address {
	return f.owner
}

func (f *Fake) now() time.Time {
	if f.Now == nil {
		return time.Now().UTC().Truncate(time.Second)
	}
	return f.Now().UTC().Truncate(time.Second)
}

// enter records the call and returns the injected failure, if any. Callers hold f.mu.
func (f *Fake) enter(method string) error {
	f.calls[method]++
	return f.failures[method]
}

func (f *Fake) Greeting(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(contracts.MethodGetGreeting); err != nil {
		return "", callError(contracts.MethodGetGreeting, err)
	}
	return f.greeting, nil
}

func (f *Fake) ContractInfo(_ context.Context) (Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(contracts.MethodGetContractInfo); err != nil {
		return Summary{}, callError(contracts.MethodGetContractInfo, err)
	}
	return Summary{
		CurrentGreeting: f.greeting,
		Owner:           f.owner,
		TotalGreetings:  f.total,
		HistoryLength:   uint64(len(f.history)),
	}, nil
}

func (f *Fake) HistoryCount(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(contracts.MethodGetHistoryCount); err != nil {
		return 0, callError(contracts.MethodGetHistoryCount, err)
	}
	return uint64(len(f.history)), nil
}

func (f *Fake) HistoryEntry(_ context.Context, index uint64) (HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(contracts.MethodGetGreetingFromHistory); err != nil {
		return HistoryEntry{}, callError(contracts.MethodGetGreetingFromHistory, err)
	}
	if index >= uint64(len(f.history)) {
		return HistoryEntry{}, callError(contracts.MethodGetGreetingFromHistory, ErrFakeIndexOutOfRange)
	}
	return f.history[index], nil
}

func (f *Fake) SetGreeting(ctx context.Context, greeting string) (Receipt, error) {
	return f.setGreetingFrom(ctx, f.sender, greeting)
}

func (f *Fake) setGreetingFrom(_ context.Context, from common.Address, greeting string) (Receipt, error) {
	event, block, err := f.Update(from, greeting)
	if err != nil {
		return Receipt{}, callError(contracts.MethodSetGreeting, err)
	}
	hash := crypto.Keccak256Hash(from.Bytes(), []byte(greeting), []byte(fmt.Sprint(block)))
	return Receipt{
		TxHash:      hash,
		BlockNumber: block,
		GasUsed:     21000 + uint64(len(greeting))*16,
		Event:       &event,
	}, nil
}

// Update applies setGreeting from the given account with the contract's
// validation rules and returns the emitted event and its block number.
func (f *Fake) Update(from common.Address, greeting string) (GreetingUpdated, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(contracts.MethodSetGreeting); err != nil {
		return GreetingUpdated{}, 0, err
	}
	if len(greeting) == 0 {
		return GreetingUpdated{}, 0, ErrFakeEmptyGreeting
	}
	if contracts.GreetingLength(greeting) > contracts.MaxGreetingLength {
		return GreetingUpdated{}, 0, ErrFakeGreetingTooLong
	}

	ts := f.now()
	event := GreetingUpdated{
		OldGreeting: f.greeting,
		NewGreeting: greeting,
		UpdatedBy:   from,
		Timestamp:   ts,
	}
	f.greeting = greeting
	f.total++
	f.history = append(f.history, HistoryEntry{
		Index:     uint64(len(f.history)),
		Message:   greeting,
		UpdatedBy: from,
		Timestamp: ts,
	})
	f.block++
	return event, f.block, nil
}

type fakeSender struct {
	f    *Fake
	from common.Address
}

func (s fakeSender) Greeting(ctx context.Context) (string, error) { return s.f.Greeting(ctx) }
func (s fakeSender) ContractInfo(ctx context.Context) (Summary, error) {
	return s.f.ContractInfo(ctx)
}
func (s fakeSender) HistoryCount(ctx context.Context) (uint64, error) { return s.f.HistoryCount(ctx) }
func (s fakeSender) HistoryEntry(ctx context.Context, index uint64) (HistoryEntry, error) {
	return s.f.HistoryEntry(ctx, index)
}
func (s fakeSender) SetGreeting(ctx context.Context, greeting string) (Receipt, error) {
	return s.f.setGreetingFrom(ctx, s.from, greeting)
}
