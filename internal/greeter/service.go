// Package greeter implements the five user-facing capabilities over a bound
// greeting contract: read the greeting, read the summary, set the greeting,
// list the history and look up one history entry.
package greeter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"greeter/internal/chain"
	"greeter/internal/contracts"
)

// MaxGreetingLength is the longest greeting accepted.
const MaxGreetingLength = contracts.MaxGreetingLength

// Validation failures. They are detected before any call is sent.
var (
	ErrEmptyGreeting   = errors.New("greeting cannot be empty")
	ErrGreetingTooLong = fmt.Errorf("greeting too long (max %d characters)", MaxGreetingLength)
	ErrMissingIndex    = errors.New("index is required")
)

// ErrLookupFailed covers every failed point lookup: an index past the end
// of the history is not distinguishable from any other rejection.
var ErrLookupFailed = errors.New("index out of bounds or error occurred")

// ValidationError marks input rejected locally; nothing was sent.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err was produced by local validation.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateGreeting trims input and applies the empty and length checks.
func ValidateGreeting(input string) (string, error) {
	greeting := strings.TrimSpace(input)
	if greeting == "" {
		return "", &ValidationError{Field: "newGreeting", Err: ErrEmptyGreeting}
	}
	if contracts.GreetingLength(greeting) > MaxGreetingLength {
		return "", &ValidationError{Field: "newGreeting", Err: ErrGreetingTooLong}
	}
	return greeting, nil
}

// Service runs the capabilities against one contract handle. It keeps no
// copy of contract state between calls.
type Service struct {
	contract chain.Contract
	logger   *zap.Logger
}

func NewService(contract chain.Contract, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{contract: contract, logger: logger}
}

func (s *Service) Greeting(ctx context.Context) (string, error) {
	greeting, err := s.contract.Greeting(ctx)
	if err != nil {
		s.logger.Warn("error loading greeting", zap.Error(err))
		return "", err
	}
	return greeting, nil
}

func (s *Service) Summary(ctx context.Context) (chain.Summary, error) {
	summary, err := s.contract.ContractInfo(ctx)
	if err != nil {
		s.logger.Warn("error loading contract info", zap.Error(err))
		return chain.Summary{}, err
	}
	return summary, nil
}

// SetOutcome is the result of an included write plus the state re-read after it.
type SetOutcome struct {
	Greeting string
	Receipt  chain.Receipt
	Elapsed  time.Duration

	Current     string
	Summary     chain.Summary
	GreetingErr error
	SummaryErr  error
}

// RefreshErr reports a failed re-read; the write itself succeeded.
func (o SetOutcome) RefreshErr() error {
	return errors.Join(o.GreetingErr, o.SummaryErr)
}

// SetGreeting validates input, submits the write, waits for inclusion and
// then re-reads the greeting and the summary once each.
func (s *Service) SetGreeting(ctx context.Context, input string) (SetOutcome, error) {
	greeting, err := ValidateGreeting(input)
	if err != nil {
		return SetOutcome{}, err
	}

	start := time.Now()
	receipt, err := s.contract.SetGreeting(ctx, greeting)
	if err != nil {
		s.logger.Error("error setting greeting", zap.Error(err))
		return SetOutcome{}, err
	}
	out := SetOutcome{
		Greeting: greeting,
		Receipt:  receipt,
		Elapsed:  time.Since(start),
	}
	s.logger.Info("greeting updated",
		zap.String("tx", receipt.TxHash.Hex()),
		zap.Uint64("block", receipt.BlockNumber),
		zap.Uint64("gas_used", receipt.GasUsed))

	out.Current, out.GreetingErr = s.Greeting(ctx)
	out.Summary, out.SummaryErr = s.Summary(ctx)
	return out, nil
}

// History yields entries from the most recent index down to zero. Each range
// over the sequence re-reads the count and fetches entries one at a time, so
// it can be restarted and stopped early without extra calls.
func (s *Service) History(ctx context.Context) iter.Seq2[chain.HistoryEntry, error] {
	return func(yield func(chain.HistoryEntry, error) bool) {
		count, err := s.contract.HistoryCount(ctx)
		if err != nil {
			yield(chain.HistoryEntry{}, err)
			return
		}
		for i := count; i > 0; i-- {
			entry, err := s.contract.HistoryEntry(ctx, i-1)
			if !yield(entry, err) || err != nil {
				return
			}
		}
	}
}

// ListHistory collects History, newest first. An empty slice means no history.
func (s *Service) ListHistory(ctx context.Context) ([]chain.HistoryEntry, error) {
	entries := []chain.HistoryEntry{}
	for entry, err := range s.History(ctx) {
		if err != nil {
			s.logger.Warn("error loading history", zap.Error(err))
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Lookup reads one history entry by its user-supplied index.
func (s *Service) Lookup(ctx context.Context, rawIndex string) (chain.HistoryEntry, error) {
	rawIndex = strings.TrimSpace(rawIndex)
	if rawIndex == "" {
		return chain.HistoryEntry{}, &ValidationError{Field: "historyIndex", Err: ErrMissingIndex}
	}
	index, err := strconv.ParseUint(rawIndex, 10, 64)
	if err != nil {
		s.logger.Warn("history lookup failed", zap.String("index", rawIndex), zap.Error(err))
		return chain.HistoryEntry{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	entry, err := s.contract.HistoryEntry(ctx, index)
	if err != nil {
		s.logger.Warn("history lookup failed", zap.Uint64("index", index), zap.Error(err))
		return chain.HistoryEntry{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	return entry, nil
}
