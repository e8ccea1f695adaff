// Package evm implements the ledger client against the claims contract on an
// EVM chain, signing legacy EIP-155 transactions with a local key.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/ledger"
	"github.com/ppiankov/claimledger/internal/model"
)

// Backend is the subset of the node API the client uses. *ethclient.Client
// satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config holds the chain connection and signing parameters
type Config struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string // hex, with or without 0x
	ChainID         int64
	GasPriceGwei    int64
	SubmitGas       uint64
	UpdateGas       uint64
}

// ConfigFromModel converts the ledger section of the app config
func ConfigFromModel(c model.LedgerConfig) Config {
	return Config{
		RPCURL:          c.RPCURL,
		ContractAddress: c.ContractAddress,
		PrivateKey:      c.PrivateKey,
		ChainID:         c.ChainID,
		GasPriceGwei:    c.GasPriceGwei,
		SubmitGas:       c.SubmitGas,
		UpdateGas:       c.UpdateGas,
	}
}

// Validate reports which required settings are missing
func (c Config) Validate() error {
	var missing []string
	if c.RPCURL == "" {
		missing = append(missing, "rpc_url")
	}
	if c.ContractAddress == "" {
		missing = append(missing, "contract_address")
	} else if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("contract_address %q is not a hex address", c.ContractAddress)
	}
	if c.PrivateKey == "" {
		missing = append(missing, "private_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("ledger not configured: missing %s", strings.Join(missing, ", "))
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive, got %d", c.ChainID)
	}
	return nil
}

// Client talks to the claims contract
type Client struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	signer   types.Signer
	gasPrice *big.Int
	cfg      Config
	logger   *zap.Logger
}

// Dial connects to cfg.RPCURL and returns a client for the configured contract
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return New(rpc, cfg, logger)
}

// New creates a client over an existing backend
func New(backend Backend, cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	parsed, err := ParseABI()
	if err != nil {
		return nil, fmt.Errorf("parse contract ABI: %w", err)
	}
	if cfg.GasPriceGwei <= 0 {
		cfg.GasPriceGwei = 30
	}
	if cfg.SubmitGas == 0 {
		cfg.SubmitGas = 500_000
	}
	if cfg.UpdateGas == 0 {
		cfg.UpdateGas = 1_500_000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	chainID := big.NewInt(cfg.ChainID)
	return &Client{
		backend:  backend,
		abi:      parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		signer:   types.NewEIP155Signer(chainID),
		gasPrice: new(big.Int).Mul(big.NewInt(cfg.GasPriceGwei), big.NewInt(1_000_000_000)),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Ping checks the node answers and serves the configured chain
func (c *Client) Ping(ctx context.Context) error {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	if id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("node serves chain %s, configured %s", id, c.chainID)
	}
	return nil
}

// Account returns the signing address
func (c *Client) Account() string { return c.from.Hex() }

func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	return c.backend.PendingNonceAt(ctx, c.from)
}

func (c *Client) SubmitClaim(ctx context.Context, nonce uint64, req ledger.SubmitRequest) (ledger.TxRef, error) {
	data, err := packSubmit(c.abi, req)
	if err != nil {
		return "", fmt.Errorf("pack submitClaim: %w", err)
	}
	return c.send(ctx, nonce, c.cfg.SubmitGas, data)
}

func (c *Client) UpdateAssessment(ctx context.Context, nonce uint64, upd ledger.AssessmentUpdate) (ledger.TxRef, error) {
	data, err := packUpdate(c.abi, upd)
	if err != nil {
		return "", fmt.Errorf("pack updateAIAssessment: %w", err)
	}
	return c.send(ctx, nonce, c.cfg.UpdateGas, data)
}

// Approve sends approveClaim
func (c *Client) Approve(ctx context.Context, nonce, slot uint64, amount *big.Int) (ledger.TxRef, error) {
	data, err := c.abi.Pack("approveClaim", new(big.Int).SetUint64(slot), amountOrZero(amount))
	if err != nil {
		return "", fmt.Errorf("pack approveClaim: %w", err)
	}
	return c.send(ctx, nonce, c.cfg.SubmitGas, data)
}

// Reject sends rejectClaim
func (c *Client) Reject(ctx context.Context, nonce, slot uint64, reason string) (ledger.TxRef, error) {
	data, err := c.abi.Pack("rejectClaim", new(big.Int).SetUint64(slot), reason)
	if err != nil {
		return "", fmt.Errorf("pack rejectClaim: %w", err)
	}
	return c.send(ctx, nonce, c.cfg.SubmitGas, data)
}

func (c *Client) send(ctx context.Context, nonce, gas uint64, data []byte) (ledger.TxRef, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: c.gasPrice,
		Gas:      gas,
		To:       &c.contract,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	hash := signed.Hash().Hex()
	c.logger.Debug("transaction sent", zap.String("tx_hash", hash), zap.Uint64("nonce", nonce), zap.Uint64("gas", gas))
	return ledger.TxRef(hash), nil
}

// Receipt returns ledger.ErrReceiptPending until the transaction is mined
func (c *Client) Receipt(ctx context.Context, tx ledger.TxRef) (ledger.Receipt, error) {
	r, err := c.backend.TransactionReceipt(ctx, common.HexToHash(string(tx)))
	if errors.Is(err, ethereum.NotFound) {
		return ledger.Receipt{}, ledger.ErrReceiptPending
	}
	if err != nil {
		return ledger.Receipt{}, err
	}
	out := ledger.Receipt{
		TxRef:   tx,
		Success: r.Status == types.ReceiptStatusSuccessful,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

func (c *Client) GetRecord(ctx context.Context, slot uint64) (ledger.Record, error) {
	out, err := c.call(ctx, "claims", new(big.Int).SetUint64(slot))
	if err != nil {
		return ledger.Record{}, err
	}
	return decodeRecord(c.abi, out)
}

func (c *Client) GetAssessment(ctx context.Context, slot uint64) (ledger.Assessment, error) {
	out, err := c.call(ctx, "getAIAssessment", new(big.Int).SetUint64(slot))
	if err != nil {
		return ledger.Assessment{}, err
	}
	return decodeAssessment(c.abi, out)
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := c.contract
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return out, nil
}

var (
	_ ledger.Client           = (*Client)(nil)
	_ ledger.Admin            = (*Client)(nil)
	_ ledger.AssessmentReader = (*Client)(nil)
	_ Backend                 = (*ethclient.Client)(nil)
)
