package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"greeter/internal/chain"
	"greeter/internal/chain/chaintest"
	"greeter/internal/contracts"
)

var (
	first  = common.HexToAddress("0x627306090abaB3A6e1400e9345bC60c78a8BEf57")
	second = common.HexToAddress("0xf17f52151EbEF6C7334FAD080c5704D77216b732")
)

func newConnector(t *testing.T, node *chaintest.Node) *EthConnector {
	t.Helper()
	parsed, err := contracts.ParseGreetingABI("")
	require.NoError(t, err)
	return &EthConnector{
		RPCURL:          node.URL,
		ContractAddress: chaintest.ContractAddress,
		ABI:             parsed,
		PollInterval:    10 * time.Millisecond,
		Logger:          zaptest.NewLogger(t),
	}
}

func TestEthConnectorSelectsFirstAccount(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(first, "hi"), first, second)

	s, err := newConnector(t, node).Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, s.Account)
	assert.Equal(t, node.URL, s.Endpoint)
	require.NoError(t, s.Health.Ping(context.Background()))

	greeting, err := s.Contract.Greeting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi", greeting)
}

func TestEthConnectorNoAccounts(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(first, "hi"))

	_, err := newConnector(t, node).Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrNoAccounts)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, node.URL, connErr.Endpoint)
}

func TestEthConnectorUsesSigningKeyAccount(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	node := chaintest.NewNode(t, chain.NewFake(first, "hi"), first)

	c := newConnector(t, node)
	c.PrivateKey = key
	s, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Account)
}

func TestEthConnectorUnreachableNode(t *testing.T) {
	parsed, err := contracts.ParseGreetingABI("")
	require.NoError(t, err)
	c := &EthConnector{
		RPCURL:          "http://127.0.0.1:1",
		ContractAddress: chaintest.ContractAddress,
		ABI:             parsed,
	}

	_, err = c.Connect(context.Background())
	var connErr *ConnectError
	assert.ErrorAs(t, err, &connErr)
}

type countingConnector struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (c *countingConnector) Connect(context.Context) (*Session, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, &ConnectError{Err: errors.New("connection refused")}
	}
	return &Session{Account: first, Contract: chain.NewFake(first, "hi")}, nil
}

func TestHolderRetriesAfterFailureAndKeepsFirstSession(t *testing.T) {
	conn := &countingConnector{}
	conn.fail.Store(true)
	h := NewHolder(conn, zaptest.NewLogger(t))

	_, err := h.Connect(context.Background())
	require.Error(t, err)
	_, ok := h.Current()
	assert.False(t, ok)
	_, err = h.Require()
	assert.ErrorIs(t, err, ErrNotConnected)

	conn.fail.Store(false)
	s1, err := h.Connect(context.Background())
	require.NoError(t, err)
	s2, err := h.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, int32(2), conn.calls.Load())
}

func TestHolderConcurrentConnectCreatesOneSession(t *testing.T) {
	conn := &countingConnector{}
	h := NewHolder(conn, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.Connect(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestStaticConnector(t *testing.T) {
	_, err := StaticConnector{}.Connect(context.Background())
	assert.ErrorIs(t, err, chain.ErrNoAccounts)

	s, err := StaticConnector{Session: &Session{Account: first}}.Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, s.ConnectedAt.IsZero())
}

func TestShortHex(t *testing.T) {
	s := &Session{Account: common.HexToAddress("0x627306090abaB3A6e1400e9345bC60c78a8BEf57")}
	assert.Equal(t, "0x6273...Ef57", s.ShortAccount())
	assert.Equal(t, "0x12", ShortHex("0x12", 6, 38))
}
