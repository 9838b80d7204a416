// Package escrowchain implements the escrow provider against an on-chain
// escrow contract. Each order's escrow lives under a bytes32 id derived
// from the order id; participants are committed as bytes32 hashes, so the
// contract coordinates state while the money itself stays in the ledger.
package escrowchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/payrail/payrail/internal/money"
	"github.com/payrail/payrail/internal/order"
)

var (
	ErrInvalidPrivateKey = errors.New("escrowchain: invalid private key")
	ErrRPCConnection     = errors.New("escrowchain: RPC connection failed")
	ErrTxReverted        = errors.New("escrowchain: transaction reverted")
	ErrTimeout           = errors.New("escrowchain: confirmation timed out")
)

const escrowABI = `[
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"buyer","type":"bytes32"},{"name":"seller","type":"bytes32"},{"name":"amount","type":"uint256"}],"name":"createEscrow","outputs":[],"type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"amount","type":"uint256"}],"name":"fund","outputs":[],"type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"release","outputs":[],"type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"refund","outputs":[],"type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"releaseAmount","type":"uint256"},{"name":"refundAmount","type":"uint256"}],"name":"resolveDispute","outputs":[],"type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"getStatus","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// Contract status codes as the escrow contract defines them.
const (
	chainStatusCreated  = 0
	chainStatusFunded   = 1
	chainStatusReleased = 2
	chainStatusRefunded = 3
	chainStatusDisputed = 4
)

const (
	defaultGasLimit          = uint64(200000)
	defaultConfirmTimeout    = 60 * time.Second
	confirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Config for creating a new chain provider.
type Config struct {
	RPCURL         string
	PrivateKey     string // hex, with or without 0x prefix
	ChainID        int64
	EscrowContract string
	ConfirmTimeout time.Duration
}

// Option configures the provider.
type Option func(*Provider)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(p *Provider) {
		p.client = client
	}
}

// Provider drives the escrow contract. It satisfies order.EscrowProvider.
type Provider struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	contract       common.Address
	abi            abi.ABI
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

var _ order.EscrowProvider = (*Provider)(nil)

// New creates a provider and connects to the RPC endpoint unless a client
// was injected.
func New(cfg Config, opts ...Option) (*Provider, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout == 0 {
		confirmTimeout = defaultConfirmTimeout
	}

	p := &Provider{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.EscrowContract),
		abi:            parsedABI,
		confirmTimeout: confirmTimeout,
		pollInterval:   confirmationPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		p.client = client
	}

	return p, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("escrowchain: chain ID required")
	}
	if cfg.EscrowContract == "" {
		return errors.New("escrowchain: escrow contract address required")
	}
	return nil
}

// escrowID derives the contract-side key for an order.
func escrowID(orderID string) common.Hash {
	return crypto.Keccak256Hash([]byte(orderID))
}

func participant(userID string) common.Hash {
	return crypto.Keccak256Hash([]byte(userID))
}

// Create registers the escrow on-chain and returns the contract id the
// rest of the system uses to reference it.
func (p *Provider) Create(ctx context.Context, orderID, buyerID, sellerID, amount string) (string, error) {
	cents, err := money.Parse(amount)
	if err != nil {
		return "", err
	}
	id := escrowID(orderID)
	if err := p.execute(ctx, "createEscrow", id, participant(buyerID), participant(sellerID), cents); err != nil {
		return "", err
	}
	return id.Hex(), nil
}

// Fund moves the escrow to FUNDED on-chain.
func (p *Provider) Fund(ctx context.Context, contractID, amount string) error {
	cents, err := money.Parse(amount)
	if err != nil {
		return err
	}
	return p.execute(ctx, "fund", common.HexToHash(contractID), cents)
}

// Release settles the escrow toward the seller.
func (p *Provider) Release(ctx context.Context, contractID string) error {
	return p.execute(ctx, "release", common.HexToHash(contractID))
}

// Refund settles the escrow back to the buyer.
func (p *Provider) Refund(ctx context.Context, contractID string) error {
	return p.execute(ctx, "refund", common.HexToHash(contractID))
}

// ResolveDispute records a split settlement on-chain.
func (p *Provider) ResolveDispute(ctx context.Context, contractID, releaseAmount, refundAmount string) error {
	rel, err := money.Parse(releaseAmount)
	if err != nil {
		return err
	}
	ref, err := money.Parse(refundAmount)
	if err != nil {
		return err
	}
	return p.execute(ctx, "resolveDispute", common.HexToHash(contractID), rel, ref)
}

// Status reads the escrow's current contract state.
func (p *Provider) Status(ctx context.Context, contractID string) (order.ProviderStatus, error) {
	data, err := p.abi.Pack("getStatus", common.HexToHash(contractID))
	if err != nil {
		return order.ProviderUnknown, fmt.Errorf("pack getStatus: %w", err)
	}

	result, err := p.client.CallContract(ctx, ethereum.CallMsg{
		To:   &p.contract,
		Data: data,
	}, nil)
	if err != nil {
		return order.ProviderUnknown, fmt.Errorf("call getStatus: %w", err)
	}
	if len(result) == 0 {
		return order.ProviderUnknown, nil
	}

	switch result[len(result)-1] {
	case chainStatusCreated:
		return order.ProviderCreated, nil
	case chainStatusFunded:
		return order.ProviderFunded, nil
	case chainStatusReleased:
		return order.ProviderReleased, nil
	case chainStatusRefunded:
		return order.ProviderRefunded, nil
	case chainStatusDisputed:
		return order.ProviderDisputed, nil
	default:
		return order.ProviderUnknown, nil
	}
}

// Close closes the underlying client connection.
func (p *Provider) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

// execute packs, signs, sends one contract call and waits for its receipt.
func (p *Provider) execute(ctx context.Context, method string, args ...interface{}) error {
	data, err := p.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}

	nonce, err := p.client.PendingNonceAt(ctx, p.address)
	if err != nil {
		return fmt.Errorf("%s nonce: %w", method, err)
	}
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("%s gas price: %w", method, err)
	}
	gasLimit, err := p.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  p.address,
		To:    &p.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = defaultGasLimit
	}

	tx := types.NewTransaction(nonce, p.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(p.chainID), p.privateKey)
	if err != nil {
		return fmt.Errorf("sign %s: %w", method, err)
	}
	if err := p.client.SendTransaction(ctx, signedTx); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	return p.waitMined(ctx, method, signedTx.Hash())
}

func (p *Provider) waitMined(ctx context.Context, method string, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s tx %s", ErrTimeout, method, hash.Hex())
			}
			return ctx.Err()
		case <-ticker.C:
			receipt, err := p.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined.
				continue
			}
			if receipt.Status == 0 {
				return fmt.Errorf("%w: %s tx %s", ErrTxReverted, method, hash.Hex())
			}
			return nil
		}
	}
}
