package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// DefaultContractAddress is used when neither the environment nor the
// deployment record names a contract.
const DefaultContractAddress = "0x893490A3E30a31D927B745Df6131Ff29CD99a835"

// DeploymentInfo represents deployment_info.json as written by the deploy script.
type DeploymentInfo struct {
	ContractAddress string `json:"contract_address"`
	TransactionHash string `json:"transaction_hash"`
	DeployerAddress string `json:"deployer_address"`
	InitialGreeting string `json:"initial_greeting"`
	GasUsed         uint64 `json:"gas_used"`
}

// AppConfig ties together the environment and the deployment record.
type AppConfig struct {
	Chain      ChainConfig
	Service    ServiceConfig
	Log        LogConfig
	Deployment *DeploymentInfo `env:"-"`
}

type ChainConfig struct {
	RPCURL              string        `env:"CHAIN_RPC_URL" envDefault:"http://127.0.0.1:7545"`
	ChainID             int64         `env:"CHAIN_ID" envDefault:"1337"`
	PrivateKey          string        `env:"CHAIN_PRIVATE_KEY"`
	ContractAddress     string        `env:"CONTRACT_ADDRESS"`
	ABIPath             string        `env:"CONTRACT_ABI_PATH"`
	GasLimit            uint64        `env:"CHAIN_GAS_LIMIT" envDefault:"200000"`
	ReceiptPollInterval time.Duration `env:"CHAIN_RECEIPT_POLL_INTERVAL" envDefault:"500ms"`
	RPCTimeout          time.Duration `env:"CHAIN_RPC_TIMEOUT" envDefault:"10s"`
}

// Address returns the configured contract address. Load has validated it.
func (c ChainConfig) Address() common.Address {
	return common.HexToAddress(c.ContractAddress)
}

type ServiceConfig struct {
	HTTPPort             int           `env:"API_HTTP_PORT" envDefault:"3000"`
	ShutdownTimeout      time.Duration `env:"API_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	Secret               string        `env:"API_SECRET"`
	ClockSkew            time.Duration `env:"API_CLOCK_SKEW" envDefault:"60s"`
	IdempotencyWindow    time.Duration `env:"IDEMPOTENCY_WINDOW" envDefault:"10m"`
	IdempotencyStorePath string        `env:"IDEMPOTENCY_STORE_PATH"`
	PostgresDSN          string        `env:"POSTGRES_DSN"`
	DeploymentInfoPath   string        `env:"DEPLOYMENT_INFO_PATH" envDefault:"deployment_info.json"`
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	Dev   bool   `env:"LOG_DEV" envDefault:"false"`
}

const dotenvPath = ".env"

// Override adjusts a loaded configuration before it is validated, e.g. from
// command line flags.
type Override func(*AppConfig)

// Load aggregates configuration from .env, the environment and the
// deployment record. Explicit environment values win over the record and
// overrides win over both.
func Load(overrides ...Override) (*AppConfig, error) {
	if err := godotenv.Load(envOr("DOTENV_PATH", dotenvPath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}

	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	deployment, err := loadDeployment(cfg.Service.DeploymentInfoPath)
	if err != nil {
		return nil, fmt.Errorf("load deployment info: %w", err)
	}
	cfg.Deployment = deployment

	if cfg.Chain.ContractAddress == "" {
		cfg.Chain.ContractAddress = DefaultContractAddress
		if deployment != nil && deployment.ContractAddress != "" {
			cfg.Chain.ContractAddress = deployment.ContractAddress
		}
	}
	if cfg.Service.IdempotencyStorePath == "" {
		cfg.Service.IdempotencyStorePath = filepath.Join(os.TempDir(), "greeter-idem.json")
	}
	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *AppConfig) Validate() error {
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("invalid contract address %q", c.Chain.ContractAddress)
	}
	if c.Chain.GasLimit == 0 {
		return errors.New("gas limit must be positive")
	}
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return errors.New("rpc url is empty")
	}
	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.Service.HTTPPort)
	}
	return nil
}

// loadDeployment reads the record at path. A missing file is not an error.
func loadDeployment(path string) (*DeploymentInfo, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info DeploymentInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}
