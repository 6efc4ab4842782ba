package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"greeter/internal/contracts"
)

// Node is a connection to the JSON-RPC endpoint of the development node.
type Node struct {
	client *ethclient.Client
	url    string
}

// Dial connects to the node at rpcURL.
func Dial(ctx context.Context, rpcURL string) (*Node, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Node{client: cli, url: rpcURL}, nil
}

// URL returns the endpoint the node was dialed with.
func (n *Node) URL() string {
	return n.url
}

// Accounts lists the accounts managed by the node (eth_accounts).
func (n *Node) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := n.client.Client().CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// ChainID fetches the chain id reported by the node.
func (n *Node) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := n.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	return id, nil
}

func (n *Node) Ping(ctx context.Context) error {
	if n.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := n.client.BlockNumber(ctx)
	return err
}

func (n *Node) Close() {
	if n.client != nil {
		n.client.Close()
	}
}

// BindConfig describes how the greeting contract handle is constructed.
type BindConfig struct {
	Address common.Address
	ABI     abi.ABI
	// From is the active account. It is replaced by the key's address when
	// PrivateKey is set.
	From         common.Address
	PrivateKey   *ecdsa.PrivateKey
	ChainID      *big.Int
	GasLimit     uint64
	PollInterval time.Duration
	Logger       *zap.Logger
}

// EthContract talks to the deployed GreetingContract through go-ethereum bindings.
type EthContract struct {
	node         *Node
	contract     *bind.BoundContract
	abi          abi.ABI
	address      common.Address
	from         common.Address
	transacts    *bind.TransactOpts
	// sendMu covers nonce selection and submission of locally signed writes.
	sendMu       sync.Mutex
	gasLimit     uint64
	pollInterval time.Duration
	logger       *zap.Logger
}

// BindGreeting constructs a typed handle for the greeting contract. Without a
// private key, writes are sent through eth_sendTransaction and signed by the
// node's unlocked account.
func (n *Node) BindGreeting(cfg BindConfig) (*EthContract, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("greeting contract address is required")
	}
	if _, ok := cfg.ABI.Methods[contracts.MethodSetGreeting]; !ok {
		return nil, fmt.Errorf("abi does not describe %s", contracts.MethodSetGreeting)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &EthContract{
		node:         n,
		contract:     bind.NewBoundContract(cfg.Address, cfg.ABI, n.client, n.client, n.client),
		abi:          cfg.ABI,
		address:      cfg.Address,
		from:         cfg.From,
		gasLimit:     cfg.GasLimit,
		pollInterval: cfg.PollInterval,
		logger:       logger,
	}
	if c.gasLimit == 0 {
		c.gasLimit = DefaultGasLimit
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 500 * time.Millisecond
	}

	if cfg.PrivateKey != nil {
		if cfg.ChainID == nil {
			return nil, fmt.Errorf("chain id is required for local signing")
		}
		txOpts, err := bind.NewKeyedTransactorWithChainID(cfg.PrivateKey, cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("transactor: %w", err)
		}
		txOpts.GasLimit = c.gasLimit
		c.transacts = txOpts
		c.from = txOpts.From
	}
	if c.from == (common.Address{}) {
		return nil, fmt.Errorf("sender account is required")
	}
	return c, nil
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// From returns the account writes are attributed to.
func (c *EthContract) From() common.Address {
	return c.from
}

func (c *EthContract) Address() common.Address {
	return c.address
}

func (c *EthContract) Ping(ctx context.Context) error {
	return c.node.Ping(ctx)
}

func (c *EthContract) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx, From: c.from}
	if err := c.contract.Call(opts, &out, method, params...); err != nil {
		return nil, callError(method, err)
	}
	return out, nil
}

func (c *EthContract) Greeting(ctx context.Context) (string, error) {
	out, err := c.call(ctx, contracts.MethodGetGreeting)
	if err != nil {
		return "", err
	}
	greeting, ok := first[string](out)
	if !ok {
		return "", callError(contracts.MethodGetGreeting, errUnexpectedOutput(out))
	}
	return greeting, nil
}

func (c *EthContract) ContractInfo(ctx context.Context) (Summary, error) {
	out, err := c.call(ctx, contracts.MethodGetContractInfo)
	if err != nil {
		return Summary{}, err
	}
	if len(out) != 4 {
		return Summary{}, callError(contracts.MethodGetContractInfo, errUnexpectedOutput(out))
	}
	current, ok1 := out[0].(string)
	owner, ok2 := out[1].(common.Address)
	total, ok3 := out[2].(*big.Int)
	length, ok4 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Summary{}, callError(contracts.MethodGetContractInfo, errUnexpectedOutput(out))
	}

	summary := Summary{CurrentGreeting: current, Owner: owner}
	if summary.TotalGreetings, err = toUint64(total, "totalGreetings"); err != nil {
		return Summary{}, callError(contracts.MethodGetContractInfo, err)
	}
	if summary.HistoryLength, err = toUint64(length, "historyLength"); err != nil {
		return Summary{}, callError(contracts.MethodGetContractInfo, err)
	}
	return summary, nil
}

func (c *EthContract) HistoryCount(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, contracts.MethodGetHistoryCount)
	if err != nil {
		return 0, err
	}
	count, ok := first[*big.Int](out)
	if !ok {
		return 0, callError(contracts.MethodGetHistoryCount, errUnexpectedOutput(out))
	}
	n, err := toUint64(count, "historyCount")
	if err != nil {
		return 0, callError(contracts.MethodGetHistoryCount, err)
	}
	return n, nil
}

func (c *EthContract) HistoryEntry(ctx context.Context, index uint64) (HistoryEntry, error) {
	method := contracts.MethodGetGreetingFromHistory
	out, err := c.call(ctx, method, new(big.Int).SetUint64(index))
	if err != nil {
		return HistoryEntry{}, err
	}
	if len(out) != 3 {
		return HistoryEntry{}, callError(method, errUnexpectedOutput(out))
	}
	message, ok1 := out[0].(string)
	updatedBy, ok2 := out[1].(common.Address)
	ts, ok3 := out[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return HistoryEntry{}, callError(method, errUnexpectedOutput(out))
	}
	return HistoryEntry{
		Index:     index,
		Message:   message,
		UpdatedBy: updatedBy,
		Timestamp: unixTime(ts),
	}, nil
}

// sendTxArgs is the eth_sendTransaction payload for node-managed accounts.
type sendTxArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Gas  hexutil.Uint64 `json:"gas"`
	Data hexutil.Bytes  `json:"data"`
}

func (c *EthContract) SetGreeting(ctx context.Context, greeting string) (Receipt, error) {
	method := contracts.MethodSetGreeting

	var (
		hash common.Hash
		err  error
	)
	if c.transacts != nil {
		hash, err = c.sendSigned(ctx, greeting)
	} else {
		hash, err = c.sendUnlocked(ctx, greeting)
	}
	if err != nil {
		return Receipt{}, callError(method, err)
	}
	c.logger.Debug("greeting transaction sent", zap.String("tx", hash.Hex()), zap.String("from", c.from.Hex()))

	receipt, err := WaitForReceipt(ctx, c.node.client, hash, c.pollInterval)
	if err != nil {
		return Receipt{}, callError(method, fmt.Errorf("wait for receipt: %w", err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, callError(method, ErrTxReverted)
	}

	out := Receipt{
		TxHash:  hash,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	out.Event = c.decodeGreetingUpdated(receipt.Logs)
	return out, nil
}

func (c *EthContract) sendUnlocked(ctx context.Context, greeting string) (common.Hash, error) {
	data, err := c.abi.Pack(contracts.MethodSetGreeting, greeting)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", contracts.MethodSetGreeting, err)
	}
	args := sendTxArgs{
		From: c.from,
		To:   c.address,
		Gas:  hexutil.Uint64(c.gasLimit),
		Data: data,
	}
	var hash common.Hash
	if err := c.node.client.Client().CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (c *EthContract) sendSigned(ctx context.Context, greeting string) (common.Hash, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	gasPrice, err := c.node.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}

	opts := *c.transacts
	opts.Context = ctx
	opts.GasPrice = gasPrice

	tx, err := c.contract.Transact(&opts, contracts.MethodSetGreeting, greeting)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// greetingUpdatedLog mirrors the GreetingUpdated event arguments.
type greetingUpdatedLog struct {
	OldGreeting string
	NewGreeting string
	UpdatedBy   common.Address
	Timestamp   *big.Int
}

func (c *EthContract) decodeGreetingUpdated(logs []*types.Log) *GreetingUpdated {
	event, ok := c.abi.Events[contracts.EventGreetingUpdated]
	if !ok {
		return nil
	}
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) == 0 || lg.Topics[0] != event.ID || lg.Address != c.address {
			continue
		}
		var decoded greetingUpdatedLog
		if err := c.contract.UnpackLog(&decoded, contracts.EventGreetingUpdated, *lg); err != nil {
			c.logger.Warn("decode GreetingUpdated", zap.Error(err))
			continue
		}
		return &GreetingUpdated{
			OldGreeting: decoded.OldGreeting,
			NewGreeting: decoded.NewGreeting,
			UpdatedBy:   decoded.UpdatedBy,
			Timestamp:   unixTime(decoded.Timestamp),
		}
	}
	return nil
}

func first[T any](out []interface{}) (T, bool) {
	var zero T
	if len(out) != 1 {
		return zero, false
	}
	v, ok := out[0].(T)
	return v, ok
}

func errUnexpectedOutput(out []interface{}) error {
	return fmt.Errorf("unexpected contract output %v", out)
}
