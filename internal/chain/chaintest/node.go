// Package chaintest runs an in-process JSON-RPC node that serves the greeting
// contract from a chain.Fake, so the real ethclient code path can be tested.
package chaintest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"greeter/internal/chain"
	"greeter/internal/contracts"
)

// ContractAddress is where the fake node pretends the contract is deployed.
var ContractAddress = common.HexToAddress("0x893490A3E30a31D927B745Df6131Ff29CD99a835")

// Node is a minimal eth_* JSON-RPC server.
type Node struct {
	Fake    *chain.Fake
	ChainID *big.Int
	URL     string

	abi abi.ABI

	mu       sync.Mutex
	accounts []common.Address
	receipts map[common.Hash]*types.Receipt
	nonces   map[common.Address]uint64
	block    uint64
	lastGas  uint64
	sends    int
}

// NewNode starts a node serving fake and exposing accounts via eth_accounts.
// It is shut down when the test finishes.
func NewNode(t testing.TB, fake *chain.Fake, accounts ...common.Address) *Node {
	t.Helper()

	parsed, err := contracts.ParseGreetingABI("")
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}

	n := &Node{
		Fake:     fake,
		ChainID:  big.NewInt(1337),
		abi:      parsed,
		accounts: accounts,
		receipts: make(map[common.Hash]*types.Receipt),
		nonces:   make(map[common.Address]uint64),
		block:    1,
	}

	srv := rpc.NewServer()
	if err := srv.RegisterName("eth", &ethService{n: n}); err != nil {
		t.Fatalf("register eth service: %v", err)
	}
	ts := httptest.NewServer(srv)
	n.URL = ts.URL

	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return n
}

// SetAccounts replaces the accounts returned by eth_accounts.
func (n *Node) SetAccounts(accounts ...common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts = accounts
}

// LastGas returns the gas limit of the most recent transaction.
func (n *Node) LastGas() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastGas
}

// Sends counts submitted transactions, mined or reverted.
func (n *Node) Sends() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sends
}

// mine applies a setGreeting transaction and stores its receipt. A non-nil
// nonce must equal the sender's next nonce.
func (n *Node) mine(hash common.Hash, from common.Address, nonce *uint64, to *common.Address, data []byte, gas uint64) error {
	n.mu.Lock()
	if nonce != nil && *nonce != n.nonces[from] {
		want := n.nonces[from]
		n.mu.Unlock()
		return fmt.Errorf("nonce too low: have %d, want %d", *nonce, want)
	}
	n.sends++
	n.lastGas = gas
	n.nonces[from]++
	n.block++
	block := n.block
	n.mu.Unlock()

	if to == nil || *to != ContractAddress {
		return errors.New("unknown contract")
	}
	method, args, err := n.unpackInput(data)
	if err != nil {
		return err
	}
	if method.Name != contracts.MethodSetGreeting {
		return fmt.Errorf("method %s is not a transaction", method.Name)
	}
	greeting, _ := args[0].(string)

	receipt := &types.Receipt{
		Type:              types.LegacyTxType,
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: 45000,
		GasUsed:           45000,
		TxHash:            hash,
		BlockNumber:       new(big.Int).SetUint64(block),
		Logs:              []*types.Log{},
	}

	event, _, err := n.Fake.Update(from, greeting)
	if err != nil {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		lg, err := n.greetingUpdatedLog(event, hash, block)
		if err != nil {
			return err
		}
		receipt.Logs = append(receipt.Logs, lg)
	}

	n.mu.Lock()
	n.receipts[hash] = receipt
	n.mu.Unlock()
	return nil
}

func (n *Node) greetingUpdatedLog(event chain.GreetingUpdated, hash common.Hash, block uint64) (*types.Log, error) {
	ev := n.abi.Events[contracts.EventGreetingUpdated]
	data, err := ev.Inputs.NonIndexed().Pack(event.OldGreeting, event.NewGreeting, big.NewInt(event.Timestamp.Unix()))
	if err != nil {
		return nil, fmt.Errorf("pack event: %w", err)
	}
	return &types.Log{
		Address:     ContractAddress,
		Topics:      []common.Hash{ev.ID, common.BytesToHash(event.UpdatedBy.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      hash,
	}, nil
}

func (n *Node) unpackInput(data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("missing method selector")
	}
	method, err := n.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, args, nil
}

type ethService struct {
	n *Node
}

func (s *ethService) Accounts() []common.Address {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	out := make([]common.Address, len(s.n.accounts))
	copy(out, s.n.accounts)
	return out
}

func (s *ethService) ChainId() *hexutil.Big {
	return (*hexutil.Big)(s.n.ChainID)
}

func (s *ethService) BlockNumber() hexutil.Uint64 {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	return hexutil.Uint64(s.n.block)
}

func (s *ethService) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(20_000_000_000))
}

func (s *ethService) GetTransactionCount(addr common.Address, _ string) hexutil.Uint64 {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	return hexutil.Uint64(s.n.nonces[addr])
}

func (s *ethService) GetCode(addr common.Address, _ string) hexutil.Bytes {
	if addr == ContractAddress {
		return hexutil.Bytes{0x60, 0x80}
	}
	return hexutil.Bytes{}
}

type callArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Input hexutil.Bytes   `json:"input"`
	Data  hexutil.Bytes   `json:"data"`
}

func (a callArgs) payload() []byte {
	if len(a.Input) > 0 {
		return a.Input
	}
	return a.Data
}

func (s *ethService) Call(ctx context.Context, args callArgs, _ json.RawMessage) (hexutil.Bytes, error) {
	if args.To == nil || *args.To != ContractAddress {
		return hexutil.Bytes{}, nil
	}
	method, inputs, err := s.n.unpackInput(args.payload())
	if err != nil {
		return nil, err
	}

	fake := s.n.Fake
	switch method.Name {
	case contracts.MethodGetGreeting:
		greeting, err := fake.Greeting(ctx)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(greeting)
	case contracts.MethodGetContractInfo:
		info, err := fake.ContractInfo(ctx)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(
			info.CurrentGreeting,
			info.Owner,
			new(big.Int).SetUint64(info.TotalGreetings),
			new(big.Int).SetUint64(info.HistoryLength),
		)
	case contracts.MethodGetHistoryCount:
		count, err := fake.HistoryCount(ctx)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(new(big.Int).SetUint64(count))
	case contracts.MethodGetGreetingFromHistory:
		index, _ := inputs[0].(*big.Int)
		if index == nil || !index.IsUint64() {
			return nil, chain.ErrFakeIndexOutOfRange
		}
		entry, err := fake.HistoryEntry(ctx, index.Uint64())
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(entry.Message, entry.UpdatedBy, big.NewInt(entry.Timestamp.Unix()))
	default:
		return nil, fmt.Errorf("method %s not supported by test node", method.Name)
	}
}

type sendArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Gas   hexutil.Uint64  `json:"gas"`
	Data  hexutil.Bytes   `json:"data"`
	Input hexutil.Bytes   `json:"input"`
}

func (s *ethService) SendTransaction(args sendArgs) (common.Hash, error) {
	s.n.mu.Lock()
	known := false
	for _, acct := range s.n.accounts {
		if acct == args.From {
			known = true
			break
		}
	}
	nonce := s.n.nonces[args.From]
	s.n.mu.Unlock()
	if !known {
		return common.Hash{}, fmt.Errorf("sender account not recognized")
	}

	data := args.Data
	if len(data) == 0 {
		data = args.Input
	}
	hash := crypto.Keccak256Hash(args.From.Bytes(), data, new(big.Int).SetUint64(nonce).Bytes())
	if err := s.n.mine(hash, args.From, nil, args.To, data, uint64(args.Gas)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (s *ethService) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("decode transaction: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(s.n.ChainID), tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("recover sender: %w", err)
	}
	nonce := tx.Nonce()
	if err := s.n.mine(tx.Hash(), from, &nonce, tx.To(), tx.Data(), tx.Gas()); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (s *ethService) GetTransactionReceipt(hash common.Hash) *types.Receipt {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	return s.n.receipts[hash]
}
