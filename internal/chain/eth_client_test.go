package chain_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greeter/internal/chain"
	"greeter/internal/chain/chaintest"
	"greeter/internal/contracts"
)

var (
	deployer = common.HexToAddress("0x627306090abaB3A6e1400e9345bC60c78a8BEf57")
	other    = common.HexToAddress("0xf17f52151EbEF6C7334FAD080c5704D77216b732")
)

func bindUnlocked(t *testing.T, node *chaintest.Node) *chain.EthContract {
	t.Helper()
	ctx := context.Background()

	n, err := chain.Dial(ctx, node.URL)
	require.NoError(t, err)
	t.Cleanup(n.Close)

	parsed, err := contracts.ParseGreetingABI("")
	require.NoError(t, err)

	accounts, err := n.Accounts(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, accounts)

	c, err := n.BindGreeting(chain.BindConfig{
		Address:      chaintest.ContractAddress,
		ABI:          parsed,
		From:         accounts[0],
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestEthContractReads(t *testing.T) {
	fake := chain.NewFake(deployer, "Hello, Blockchain World!")
	fake.Now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	node := chaintest.NewNode(t, fake, deployer, other)
	c := bindUnlocked(t, node)
	ctx := context.Background()

	greeting, err := c.Greeting(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello, Blockchain World!", greeting)

	info, err := c.ContractInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, chain.Summary{
		CurrentGreeting: "Hello, Blockchain World!",
		Owner:           deployer,
		TotalGreetings:  1,
		HistoryLength:   1,
	}, info)

	count, err := c.HistoryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	entry, err := c.HistoryEntry(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "Hello, Blockchain World!", entry.Message)
	assert.Equal(t, deployer, entry.UpdatedBy)
	assert.False(t, entry.Timestamp.IsZero())

	require.NoError(t, c.Ping(ctx))
}

func TestEthContractHistoryOutOfRange(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(deployer, "hi"), deployer)
	c := bindUnlocked(t, node)

	_, err := c.HistoryEntry(context.Background(), 5)
	require.Error(t, err)

	var callErr *chain.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, contracts.MethodGetGreetingFromHistory, callErr.Method)
	assert.Contains(t, err.Error(), "Index out of bounds")
}

func TestEthContractSetGreetingUnlocked(t *testing.T) {
	fake := chain.NewFake(deployer, "Hello, Blockchain World!")
	fake.Now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	node := chaintest.NewNode(t, fake, deployer)
	c := bindUnlocked(t, node)
	ctx := context.Background()

	receipt, err := c.SetGreeting(ctx, "Update 1")
	require.NoError(t, err)

	assert.NotEqual(t, common.Hash{}, receipt.TxHash)
	assert.NotZero(t, receipt.BlockNumber)
	assert.Equal(t, chain.DefaultGasLimit, node.LastGas())
	require.NotNil(t, receipt.Event)
	assert.Equal(t, "Hello, Blockchain World!", receipt.Event.OldGreeting)
	assert.Equal(t, "Update 1", receipt.Event.NewGreeting)
	assert.Equal(t, deployer, receipt.Event.UpdatedBy)
	assert.Equal(t, int64(1_700_000_000), receipt.Event.Timestamp.Unix())

	greeting, err := c.Greeting(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Update 1", greeting)
}

func TestEthContractSetGreetingRevertedReceipt(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(deployer, "hi"), deployer)
	c := bindUnlocked(t, node)

	_, err := c.SetGreeting(context.Background(), strings.Repeat("A", 201))
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrTxReverted)
	assert.Equal(t, 1, node.Sends())
}

func TestEthContractSetGreetingSignedLocally(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	fake := chain.NewFake(deployer, "hi")
	node := chaintest.NewNode(t, fake, deployer)
	ctx := context.Background()

	n, err := chain.Dial(ctx, node.URL)
	require.NoError(t, err)
	t.Cleanup(n.Close)
	chainID, err := n.ChainID(ctx)
	require.NoError(t, err)

	parsed, err := contracts.ParseGreetingABI("")
	require.NoError(t, err)
	c, err := n.BindGreeting(chain.BindConfig{
		Address:      chaintest.ContractAddress,
		ABI:          parsed,
		From:         deployer,
		PrivateKey:   key,
		ChainID:      chainID,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, signer, c.From())

	receipt, err := c.SetGreeting(ctx, "signed")
	require.NoError(t, err)
	require.NotNil(t, receipt.Event)
	assert.Equal(t, signer, receipt.Event.UpdatedBy)
	assert.Equal(t, chain.DefaultGasLimit, node.LastGas())

	entry, err := c.HistoryEntry(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "signed", entry.Message)
	assert.Equal(t, signer, entry.UpdatedBy)
}

func TestEthContractSignedWritesPickDistinctNonces(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	fake := chain.NewFake(deployer, "hi")
	node := chaintest.NewNode(t, fake, deployer)
	ctx := context.Background()

	n, err := chain.Dial(ctx, node.URL)
	require.NoError(t, err)
	t.Cleanup(n.Close)

	parsed, err := contracts.ParseGreetingABI("")
	require.NoError(t, err)
	c, err := n.BindGreeting(chain.BindConfig{
		Address:      chaintest.ContractAddress,
		ABI:          parsed,
		From:         deployer,
		PrivateKey:   key,
		ChainID:      node.ChainID,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	const writers = 6
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SetGreeting(ctx, fmt.Sprintf("tab %d", i))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, writers, node.Sends())
	count, err := c.HistoryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(writers+1), count)
}

func TestBindGreetingRequiresAddress(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(deployer, "hi"), deployer)
	n, err := chain.Dial(context.Background(), node.URL)
	require.NoError(t, err)
	defer n.Close()

	parsed, err := contracts.ParseGreetingABI("")
	require.NoError(t, err)

	_, err = n.BindGreeting(chain.BindConfig{ABI: parsed, From: deployer})
	assert.Error(t, err)
}

func TestDialRequiresURL(t *testing.T) {
	_, err := chain.Dial(context.Background(), "")
	assert.Error(t, err)
}

func TestParsePrivateKey(t *testing.T) {
	key, err := chain.ParsePrivateKey("0x691101e28684e29cb3846276021e2d45feab0f4031f98c0c72e89f48d637a6fa")
	require.NoError(t, err)
	assert.NotNil(t, key)

	_, err = chain.ParsePrivateKey("not-a-key")
	assert.Error(t, err)
}

type stubFetcher struct {
	misses  int
	calls   int
	failErr error
}

func (s *stubFetcher) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	s.calls++
	if s.failErr != nil {
		return nil, s.failErr
	}
	if s.calls <= s.misses {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}, nil
}

func TestWaitForReceiptPollsUntilMined(t *testing.T) {
	f := &stubFetcher{misses: 2}
	hash := common.HexToHash("0x01")

	receipt, err := chain.WaitForReceipt(context.Background(), f, hash, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
	assert.Equal(t, 3, f.calls)
}

func TestWaitForReceiptStopsOnError(t *testing.T) {
	f := &stubFetcher{failErr: errors.New("connection refused")}

	_, err := chain.WaitForReceipt(context.Background(), f, common.Hash{}, time.Millisecond)
	assert.EqualError(t, err, "connection refused")
}

func TestWaitForReceiptHonoursContext(t *testing.T) {
	f := &stubFetcher{misses: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := chain.WaitForReceipt(ctx, f, common.Hash{}, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
