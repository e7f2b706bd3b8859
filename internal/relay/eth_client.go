package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// shieldedPoolABI covers the narrow relay surface the service uses. The
// pool's proof machinery stays behind these two methods.
const shieldedPoolABI = `[
  {"type":"function","name":"deposit","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"ref","type":"bytes32"}],"stateMutability":"nonpayable"},
  {"type":"function","name":"withdraw","inputs":[{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"}],"outputs":[{"name":"proof","type":"bytes32"}],"stateMutability":"nonpayable"}
]`

// EthClient submits relay transactions to the shielded pool contract with
// the operator's key and reads the relayer account balance.
type EthClient struct {
	client       *ethclient.Client
	contract     *bind.BoundContract
	abi          abi.ABI
	address      common.Address
	relayer      common.Address
	chainID      *big.Int
	transacts    *bind.TransactOpts
	assetDecimal int32
}

type EthClientConfig struct {
	RPCURL               string
	PrivateKeyHex        string
	ContractShieldedPool string
	AssetDecimals        int32
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ContractShieldedPool == "" {
		return nil, fmt.Errorf("shielded pool address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for relay calls")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(shieldedPoolABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractShieldedPool)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	decimals := cfg.AssetDecimals
	if decimals == 0 {
		decimals = 18
	}

	return &EthClient{
		client:       cli,
		contract:     bound,
		abi:          parsedABI,
		address:      address,
		relayer:      crypto.PubkeyToAddress(pk.PublicKey),
		chainID:      chainID,
		transacts:    txOpts,
		assetDecimal: decimals,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) Deposit(ctx context.Context, amount decimal.Decimal) (string, error) {
	units, err := c.toBaseUnits(amount)
	if err != nil {
		return "", Permanent(err)
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "deposit", units)
	if err != nil {
		return "", classify(fmt.Errorf("deposit tx: %w", err))
	}
	return tx.Hash().Hex(), nil
}

func (c *EthClient) Withdraw(ctx context.Context, amount decimal.Decimal, recipient string) (string, error) {
	if !common.IsHexAddress(recipient) {
		return "", Permanent(fmt.Errorf("invalid recipient address %q", recipient))
	}
	units, err := c.toBaseUnits(amount)
	if err != nil {
		return "", Permanent(err)
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, "withdraw", units, common.HexToAddress(recipient))
	if err != nil {
		return "", classify(fmt.Errorf("withdraw tx: %w", err))
	}
	return tx.Hash().Hex(), nil
}

func (c *EthClient) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	wei, err := c.client.BalanceAt(ctx, c.relayer, nil)
	if err != nil {
		return decimal.Zero, classify(fmt.Errorf("balance: %w", err))
	}
	return decimal.NewFromBigInt(wei, -c.assetDecimal), nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) toBaseUnits(amount decimal.Decimal) (*big.Int, error) {
	units := amount.Shift(c.assetDecimal)
	if !units.IsInteger() {
		return nil, fmt.Errorf("amount %s has more precision than asset decimals %d", amount, c.assetDecimal)
	}
	if !units.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	return units.BigInt(), nil
}

// classify maps raw RPC failures onto the retryable/non-retryable split.
// Reverts and validation rejections will fail the same way again; anything
// else (network trouble, timeouts) is worth a later retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "invalid") {
		return Permanent(err)
	}
	return Transient(err)
}
