// Package chain connects the ledger to an EVM chain.
//
// The Watcher polls for USDT transfers to the platform address and
// credits the sender's ledger account. The Payout signs and sends USDT
// withdrawals. USDT uses 6 decimal places, the same precision the
// ledger stores, so raw token units map 1:1 onto ledger amounts.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nvoskov/garant/internal/ledger"
	"github.com/nvoskov/garant/internal/money"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// DepositCreditor credits ledger accounts. Satisfied by *ledger.Ledger.
type DepositCreditor interface {
	Deposit(ctx context.Context, accountID, amount, txHash string) error
}

// AccountResolver maps a sender's chain address to a ledger account.
type AccountResolver interface {
	AccountByAddress(ctx context.Context, address string) (string, bool)
}

// StaticResolver is a fixed address-to-account mapping. Useful for
// deployments where deposit addresses are registered out of band.
type StaticResolver struct {
	mu       sync.RWMutex
	accounts map[string]string // lowercased hex address -> account ID
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{accounts: make(map[string]string)}
}

// Register binds a chain address to a ledger account.
func (r *StaticResolver) Register(address, accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[strings.ToLower(address)] = accountID
}

func (r *StaticResolver) AccountByAddress(ctx context.Context, address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.accounts[strings.ToLower(address)]
	return id, ok
}

// chainReader is the slice of the eth client the watcher needs.
type chainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// WatcherConfig configures the deposit watcher.
type WatcherConfig struct {
	RPCURL          string
	USDTContract    common.Address
	PlatformAddress common.Address
	PollInterval    time.Duration
	StartBlock      uint64 // 0 = latest
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// Watcher monitors for incoming USDT deposits.
type Watcher struct {
	client   chainReader
	config   WatcherConfig
	creditor DepositCreditor
	resolver AccountResolver
	logger   *slog.Logger

	// Track processed transactions
	processed map[string]bool
	mu        sync.Mutex

	// Last processed block
	lastBlock uint64

	// Shutdown
	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a deposit watcher connected to the configured RPC.
func NewWatcher(cfg WatcherConfig, creditor DepositCreditor, resolver AccountResolver, logger *slog.Logger) (*Watcher, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return newWatcher(client, cfg, creditor, resolver, logger), nil
}

// NewWatcherWithClient creates a watcher over an existing client.
func NewWatcherWithClient(client chainReader, cfg WatcherConfig, creditor DepositCreditor, resolver AccountResolver, logger *slog.Logger) *Watcher {
	return newWatcher(client, cfg, creditor, resolver, logger)
}

func newWatcher(client chainReader, cfg WatcherConfig, creditor DepositCreditor, resolver AccountResolver, logger *slog.Logger) *Watcher {
	return &Watcher{
		client:    client,
		config:    cfg,
		creditor:  creditor,
		resolver:  resolver,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins watching for deposits.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("deposit watcher started",
		"platform", w.config.PlatformAddress.Hex(),
		"usdt", w.config.USDTContract.Hex(),
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForDeposits(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForDeposits(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	// Query for Transfer events to the platform address
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{w.config.USDTContract},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any from address
			{common.BytesToHash(w.config.PlatformAddress.Bytes())},
		},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processTransfer(ctx, vLog); err != nil {
			w.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	// Skip if already processed
	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return nil
	}
	// Mark as in-progress to prevent concurrent duplicate processing.
	// If processing fails, we remove it so the next poll can retry.
	w.processed[txHash] = true
	w.mu.Unlock()

	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	// Topics[1] = from address (indexed)
	// Topics[2] = to address (indexed)
	// Data = amount
	if len(vLog.Topics) < 3 {
		return fmt.Errorf("invalid transfer event")
	}

	from := common.HexToAddress(vLog.Topics[1].Hex())
	amount := new(big.Int).SetBytes(vLog.Data)
	amountStr := money.Format(amount)

	fromAddr := strings.ToLower(from.Hex())
	accountID, known := w.resolver.AccountByAddress(ctx, fromAddr)
	if !known {
		w.logger.Info("deposit from unknown address, skipping",
			"from", fromAddr,
			"amount", amountStr,
			"tx", txHash,
		)
		succeeded = true
		return nil
	}

	if err := w.creditor.Deposit(ctx, accountID, amountStr, txHash); err != nil {
		// The ledger already saw this tx hash; a restart replayed it.
		if errors.Is(err, ledger.ErrDuplicateDeposit) {
			succeeded = true
			return nil
		}
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	w.logger.Info("deposit credited",
		"account", accountID,
		"amount", amountStr,
		"tx", txHash,
	)

	succeeded = true
	return nil
}
