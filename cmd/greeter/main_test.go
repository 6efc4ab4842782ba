package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greeter/internal/chain"
	"greeter/internal/chain/chaintest"
	"greeter/internal/config"
	"greeter/internal/greeter"
)

var owner = common.HexToAddress("0x627306090abaB3A6e1400e9345bC60c78a8BEf57")

// run executes the root command with args against env pointing at node.
func run(t *testing.T, node *chaintest.Node, args ...string) (string, error) {
	t.Helper()
	return runWith(t, node, nil, args...)
}

// runWith is run with extra environment applied last.
func runWith(t *testing.T, node *chaintest.Node, env map[string]string, args ...string) (string, error) {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("DOTENV_PATH", filepath.Join(dir, ".env"))
	t.Setenv("DEPLOYMENT_INFO_PATH", filepath.Join(dir, "deployment_info.json"))
	t.Setenv("CHAIN_RPC_URL", node.URL)
	t.Setenv("CONTRACT_ADDRESS", chaintest.ContractAddress.Hex())
	t.Setenv("CHAIN_RECEIPT_POLL_INTERVAL", "10ms")
	t.Setenv("CHAIN_PRIVATE_KEY", "")
	t.Setenv("LOG_LEVEL", "error")
	for k, v := range env {
		t.Setenv(k, v)
	}

	verbose, rpcURL, contractAddr = false, "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestGreetingCommand(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(owner, "Hello, Blockchain World!"), owner)

	out, err := run(t, node, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "💬 Current Greeting: 'Hello, Blockchain World!'\n", out)
}

func TestInfoCommand(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(owner, "Hello, Blockchain World!"), owner)

	out, err := run(t, node, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "📊 Contract Information:")
	assert.Contains(t, out, "Owner: "+owner.Hex())
	assert.Contains(t, out, "Total Greetings: 1")
	assert.Contains(t, out, "History Length: 1")
}

func TestSetCommandJoinsArgs(t *testing.T) {
	fake := chain.NewFake(owner, "Hello, Blockchain World!")
	node := chaintest.NewNode(t, fake, owner)

	out, err := run(t, node, "set", "Hello", "from", "Go")
	require.NoError(t, err)
	assert.Contains(t, out, "📝 Setting new greeting: 'Hello from Go'")
	assert.Contains(t, out, "✅ Greeting updated successfully!")
	assert.Contains(t, out, "Old Greeting: 'Hello, Blockchain World!'")
	assert.Contains(t, out, "💬 Current Greeting: 'Hello from Go'")
	assert.Equal(t, 1, node.Sends())

	out, err = run(t, node, "greeting")
	require.NoError(t, err)
	assert.Contains(t, out, "'Hello from Go'")
}

func TestSetCommandRejectsBlankGreeting(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(owner, "Hello, Blockchain World!"), owner)

	out, err := run(t, node, "set", "   ")
	require.Error(t, err)
	assert.True(t, greeter.IsValidation(err))
	assert.NotContains(t, out, "Setting new greeting")
	assert.NotContains(t, out, "Waiting for transaction")
	assert.Zero(t, node.Sends())

	out, err = run(t, node, "set", strings.Repeat("😀", 101))
	assert.ErrorIs(t, err, greeter.ErrGreetingTooLong)
	assert.NotContains(t, out, "Waiting for transaction")
	assert.Zero(t, node.Sends())
}

func TestHistoryCommandNewestFirst(t *testing.T) {
	fake := chain.NewFake(owner, "first")
	_, _, err := fake.Update(owner, "second")
	require.NoError(t, err)
	node := chaintest.NewNode(t, fake, owner)

	out, err := run(t, node, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "📜 Greeting History (2 entries):")
	assert.Less(t, strings.Index(out, "#1: 'second'"), strings.Index(out, "#0: 'first'"))
}

func TestLookupCommand(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(owner, "first"), owner)

	out, err := run(t, node, "lookup", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "History Entry #0")
	assert.Contains(t, out, "Message: 'first'")

	_, err = run(t, node, "lookup", "7")
	require.Error(t, err)
	assert.True(t, errors.Is(err, greeter.ErrLookupFailed))
}

func TestConnectFailsWithoutAccounts(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(owner, "first"))

	_, err := run(t, node, "greeting")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
	assert.ErrorIs(t, err, chain.ErrNoAccounts)
}

func TestContractFlagOverridesEnv(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(owner, "first"), owner)

	_, err := run(t, node, "--contract", "not-an-address", "greeting")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config error")
}

func TestContractFlagRescuesInvalidEnv(t *testing.T) {
	node := chaintest.NewNode(t, chain.NewFake(owner, "first"), owner)
	contract := chaintest.ContractAddress.Hex()

	out, err := runWith(t, node, map[string]string{"CONTRACT_ADDRESS": "not-an-address"}, "--contract", contract, "greeting")
	require.NoError(t, err)
	assert.Contains(t, out, "'first'")
}

func TestPrintHistoryEmpty(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, nil)
	assert.Equal(t, "No history available\n", buf.String())
}

func TestPrintOutcomeWithRefreshFailure(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, greeter.SetOutcome{
		Greeting: "hi",
		Receipt: chain.Receipt{
			TxHash:      common.HexToHash("0x01"),
			BlockNumber: 4,
			GasUsed:     31000,
			Event: &chain.GreetingUpdated{
				OldGreeting: "old",
				NewGreeting: "hi",
				UpdatedBy:   owner,
				Timestamp:   time.Unix(1700000000, 0),
			},
		},
		SummaryErr: errors.New("node went away"),
	})

	out := buf.String()
	assert.Contains(t, out, "📦 Block: 4")
	assert.Contains(t, out, "⛽ Gas Used: 31000")
	assert.Contains(t, out, "New Greeting: 'hi'")
	assert.Contains(t, out, "Could not refresh contract state: node went away")
	assert.NotContains(t, out, "Current Greeting")
}

func TestFakeConnectorDefaults(t *testing.T) {
	sess, err := fakeConnector(&config.AppConfig{}).Connect(t.Context())
	require.NoError(t, err)
	assert.Equal(t, owner, sess.Account)

	greeting, err := sess.Contract.Greeting(t.Context())
	require.NoError(t, err)
	assert.Equal(t, defaultInitialGreeting, greeting)
}

func TestFakeConnectorUsesDeployment(t *testing.T) {
	deployer := common.HexToAddress("0xf17f52151EbEF6C7334FAD080c5704D77216b732")
	cfg := &config.AppConfig{Deployment: &config.DeploymentInfo{
		DeployerAddress: deployer.Hex(),
		InitialGreeting: "gm",
	}}

	sess, err := fakeConnector(cfg).Connect(t.Context())
	require.NoError(t, err)
	assert.Equal(t, deployer, sess.Account)

	info, err := sess.Contract.ContractInfo(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "gm", info.CurrentGreeting)
	assert.Equal(t, deployer, info.Owner)
}
