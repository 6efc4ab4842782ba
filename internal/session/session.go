// Package session owns the connection/account/contract triple. A session is
// created once by an explicit connect and is read-only afterwards; there is
// no way back to the disconnected state.
package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"greeter/internal/chain"
)

// ErrNotConnected is returned by operations that need a session before one exists.
var ErrNotConnected = errors.New("not connected")

// Session is the established connection.
type Session struct {
	Account     common.Address
	Contract    chain.Contract
	Health      chain.HealthChecker
	ConnectedAt time.Time
	// Endpoint identifies the node the session is bound to.
	Endpoint string
}

// ShortAccount renders the account as 0x1234...abcd.
func (s *Session) ShortAccount() string {
	return ShortHex(s.Account.Hex(), 6, 38)
}

// ShortHex keeps s[:head] and s[tail:] around an ellipsis.
func ShortHex(s string, head, tail int) string {
	if len(s) <= head || tail >= len(s) || head > tail {
		return s
	}
	return s[:head] + "..." + s[tail:]
}

// ConnectError reports a failed connection bootstrap.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Connector establishes a new session.
type Connector interface {
	Connect(ctx context.Context) (*Session, error)
}

// EthConnector dials the node, picks the first account and binds the contract.
type EthConnector struct {
	RPCURL          string
	ContractAddress common.Address
	ABI             abi.ABI
	PrivateKey      *ecdsa.PrivateKey
	ChainID         *big.Int
	GasLimit        uint64
	PollInterval    time.Duration
	Logger          *zap.Logger
}

func (c *EthConnector) Connect(ctx context.Context) (*Session, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fail := func(err error) (*Session, error) {
		return nil, &ConnectError{Endpoint: c.RPCURL, Err: err}
	}

	node, err := chain.Dial(ctx, c.RPCURL)
	if err != nil {
		return fail(err)
	}
	accounts, err := node.Accounts(ctx)
	if err != nil {
		node.Close()
		return fail(err)
	}
	if len(accounts) == 0 {
		node.Close()
		return fail(chain.ErrNoAccounts)
	}
	account := accounts[0]

	chainID := c.ChainID
	if c.PrivateKey != nil {
		signer := crypto.PubkeyToAddress(c.PrivateKey.PublicKey)
		if signer != account {
			logger.Warn("signing key does not belong to the node's first account",
				zap.String("signer", signer.Hex()), zap.String("first_account", account.Hex()))
		}
		account = signer
		if chainID == nil {
			if chainID, err = node.ChainID(ctx); err != nil {
				node.Close()
				return fail(err)
			}
		}
	}

	contract, err := node.BindGreeting(chain.BindConfig{
		Address:      c.ContractAddress,
		ABI:          c.ABI,
		From:         account,
		PrivateKey:   c.PrivateKey,
		ChainID:      chainID,
		GasLimit:     c.GasLimit,
		PollInterval: c.PollInterval,
		Logger:       logger.Named("contract"),
	})
	if err != nil {
		node.Close()
		return fail(fmt.Errorf("bind contract: %w", err))
	}

	return &Session{
		Account:     account,
		Contract:    contract,
		Health:      node,
		ConnectedAt: time.Now().UTC(),
		Endpoint:    node.URL(),
	}, nil
}

// StaticConnector hands out a prepared session; used with the in-memory
// contract in development mode and in tests.
type StaticConnector struct {
	Session *Session
	Err     error
}

func (c StaticConnector) Connect(context.Context) (*Session, error) {
	if c.Err != nil {
		return nil, &ConnectError{Err: c.Err}
	}
	if c.Session == nil {
		return nil, &ConnectError{Err: chain.ErrNoAccounts}
	}
	s := *c.Session
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = time.Now().UTC()
	}
	return &s, nil
}

// Holder keeps the single session of the process.
type Holder struct {
	connector Connector
	logger    *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[Session]
}

func NewHolder(connector Connector, logger *zap.Logger) *Holder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Holder{connector: connector, logger: logger}
}

// Connect establishes the session on first success and returns the existing
// one afterwards. A failed attempt leaves the holder disconnected so the
// caller may retry.
func (h *Holder) Connect(ctx context.Context) (*Session, error) {
	if s := h.current.Load(); s != nil {
		return s, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.current.Load(); s != nil {
		return s, nil
	}

	s, err := h.connector.Connect(ctx)
	if err != nil {
		h.logger.Warn("connection failed", zap.Error(err))
		return nil, err
	}
	h.current.Store(s)
	h.logger.Info("connected", zap.String("account", s.Account.Hex()), zap.String("endpoint", s.Endpoint))
	return s, nil
}

// Current returns the session, if connected.
func (h *Holder) Current() (*Session, bool) {
	s := h.current.Load()
	return s, s != nil
}

// Require returns the session or ErrNotConnected.
func (h *Holder) Require() (*Session, error) {
	if s := h.current.Load(); s != nil {
		return s, nil
	}
	return nil, ErrNotConnected
}
