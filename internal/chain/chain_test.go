package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoskov/garant/internal/ledger"
)

const (
	testUSDT     = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPlatform = "0x1111111111111111111111111111111111111111"
	testSender   = "0x2222222222222222222222222222222222222222"
	testKey      = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

// ---------------------------------------------------------------------------
// Watcher
// ---------------------------------------------------------------------------

type fakeReader struct {
	mu    sync.Mutex
	block uint64
	logs  []types.Log
}

func (f *fakeReader) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

func (f *fakeReader) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}

type fakeCreditor struct {
	mu       sync.Mutex
	deposits []string // "account amount tx"
	byTx     map[string]int
	err      error
}

func newFakeCreditor() *fakeCreditor {
	return &fakeCreditor{byTx: make(map[string]int)}
}

func (f *fakeCreditor) Deposit(ctx context.Context, accountID, amount, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.byTx[txHash] > 0 {
		return ledger.ErrDuplicateDeposit
	}
	f.byTx[txHash]++
	f.deposits = append(f.deposits, accountID+" "+amount+" "+txHash)
	return nil
}

func transferLog(from, tx string, amount int64) types.Log {
	return types.Log{
		Address: common.HexToAddress(testUSDT),
		Topics: []common.Hash{
			transferEventSig,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(testPlatform).Bytes()),
		},
		Data:   big.NewInt(amount).FillBytes(make([]byte, 32)),
		TxHash: common.HexToHash(tx),
	}
}

func testWatcher(reader *fakeReader, creditor DepositCreditor, resolver AccountResolver) *Watcher {
	cfg := DefaultWatcherConfig()
	cfg.USDTContract = common.HexToAddress(testUSDT)
	cfg.PlatformAddress = common.HexToAddress(testPlatform)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWatcherWithClient(reader, cfg, creditor, resolver, logger)
}

func TestWatcher_CreditsResolvedDeposit(t *testing.T) {
	reader := &fakeReader{block: 10, logs: []types.Log{
		transferLog(testSender, "0xaa01", 25_000_000), // 25 USDT
	}}
	creditor := newFakeCreditor()
	resolver := NewStaticResolver()
	resolver.Register(testSender, "acc_buyer")

	w := testWatcher(reader, creditor, resolver)
	w.lastBlock = 5

	require.NoError(t, w.checkForDeposits(context.Background()))

	require.Len(t, creditor.deposits, 1)
	assert.Contains(t, creditor.deposits[0], "acc_buyer 25.000000")
	assert.Equal(t, uint64(10), w.lastBlock)
}

func TestWatcher_SkipsUnknownSender(t *testing.T) {
	reader := &fakeReader{block: 10, logs: []types.Log{
		transferLog("0x3333333333333333333333333333333333333333", "0xaa02", 1_000_000),
	}}
	creditor := newFakeCreditor()

	w := testWatcher(reader, creditor, NewStaticResolver())
	w.lastBlock = 5

	require.NoError(t, w.checkForDeposits(context.Background()))
	assert.Empty(t, creditor.deposits)
}

func TestWatcher_DeduplicatesAcrossPolls(t *testing.T) {
	reader := &fakeReader{block: 10, logs: []types.Log{
		transferLog(testSender, "0xaa03", 5_000_000),
	}}
	creditor := newFakeCreditor()
	resolver := NewStaticResolver()
	resolver.Register(testSender, "acc_buyer")

	w := testWatcher(reader, creditor, resolver)

	w.lastBlock = 5
	require.NoError(t, w.checkForDeposits(context.Background()))

	// Same log range re-scanned after a restart of the cursor.
	w.lastBlock = 5
	require.NoError(t, w.checkForDeposits(context.Background()))

	assert.Len(t, creditor.deposits, 1)
}

func TestWatcher_LedgerDuplicateIsTerminal(t *testing.T) {
	reader := &fakeReader{block: 10, logs: []types.Log{
		transferLog(testSender, "0xaa04", 5_000_000),
	}}
	creditor := newFakeCreditor()
	creditor.byTx[common.HexToHash("0xaa04").Hex()] = 1 // ledger already has it
	resolver := NewStaticResolver()
	resolver.Register(testSender, "acc_buyer")

	w := testWatcher(reader, creditor, resolver)
	w.lastBlock = 5

	require.NoError(t, w.checkForDeposits(context.Background()))
	assert.Empty(t, creditor.deposits)

	// Marked processed: a failing creditor later must not see it again.
	creditor.err = errors.New("boom")
	w.lastBlock = 5
	require.NoError(t, w.checkForDeposits(context.Background()))
	assert.Empty(t, creditor.deposits)
}

func TestWatcher_FailedCreditIsRetried(t *testing.T) {
	reader := &fakeReader{block: 10, logs: []types.Log{
		transferLog(testSender, "0xaa05", 5_000_000),
	}}
	creditor := newFakeCreditor()
	creditor.err = errors.New("db down")
	resolver := NewStaticResolver()
	resolver.Register(testSender, "acc_buyer")

	w := testWatcher(reader, creditor, resolver)

	w.lastBlock = 5
	require.NoError(t, w.checkForDeposits(context.Background())) // credit fails, tx unmarked
	assert.Empty(t, creditor.deposits)

	creditor.err = nil
	w.lastBlock = 5
	require.NoError(t, w.checkForDeposits(context.Background()))
	assert.Len(t, creditor.deposits, 1)
}

func TestDefaultWatcherConfig(t *testing.T) {
	cfg := DefaultWatcherConfig()
	assert.NotZero(t, cfg.PollInterval)
	assert.Zero(t, cfg.StartBlock)
}

// ---------------------------------------------------------------------------
// Payout
// ---------------------------------------------------------------------------

type fakeEthClient struct {
	nonce      uint64
	gasPrice   *big.Int
	sendErr    error
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	receiptErr error
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return f.gasPrice, nil
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func (f *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return big.NewInt(42_000_000).FillBytes(make([]byte, 32)), nil
}

func (f *fakeEthClient) Close() {}

func testPayout(t *testing.T, client EthClient) *Payout {
	t.Helper()
	p, err := NewPayout(PayoutConfig{
		RPCURL:       "https://sepolia.base.org",
		PrivateKey:   testKey,
		ChainID:      84532,
		USDTContract: testUSDT,
	}, WithClient(client))
	require.NoError(t, err)
	return p
}

func TestPayout_Transfer(t *testing.T) {
	client := &fakeEthClient{nonce: 7}
	p := testPayout(t, client)

	txHash, err := p.Transfer(context.Background(), common.HexToAddress(testSender), big.NewInt(10_000_000))
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)

	require.Len(t, client.sent, 1)
	sent := client.sent[0]
	assert.Equal(t, uint64(7), sent.Nonce())
	assert.Equal(t, common.HexToAddress(testUSDT), *sent.To())
}

func TestPayout_Transfer_SendFails(t *testing.T) {
	client := &fakeEthClient{sendErr: errors.New("rpc unavailable")}
	p := testPayout(t, client)

	_, err := p.Transfer(context.Background(), common.HexToAddress(testSender), big.NewInt(1))
	require.Error(t, err)

	var payoutErr *PayoutError
	require.ErrorAs(t, err, &payoutErr)
	assert.Equal(t, "send", payoutErr.Op)
	assert.NotEmpty(t, payoutErr.TxHash)
}

func TestPayout_WaitForConfirmation(t *testing.T) {
	hash := common.HexToHash("0xbb01")
	client := &fakeEthClient{receipts: map[common.Hash]*types.Receipt{
		hash: {Status: 1, BlockNumber: big.NewInt(123), GasUsed: 55_000},
	}}
	p := testPayout(t, client)

	receipt, err := p.WaitForConfirmation(context.Background(), hash.Hex(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(123), receipt.BlockNumber)
	assert.Equal(t, uint64(55_000), receipt.GasUsed)
}

func TestPayout_WaitForConfirmation_RevertedTx(t *testing.T) {
	hash := common.HexToHash("0xbb02")
	client := &fakeEthClient{receipts: map[common.Hash]*types.Receipt{
		hash: {Status: 0},
	}}
	p := testPayout(t, client)

	_, err := p.WaitForConfirmation(context.Background(), hash.Hex(), 10*time.Second)
	require.ErrorIs(t, err, ErrTransactionFailed)
}

func TestPayout_BalanceOf(t *testing.T) {
	p := testPayout(t, &fakeEthClient{})

	balance, err := p.BalanceOf(context.Background(), common.HexToAddress(testSender))
	require.NoError(t, err)
	assert.Equal(t, int64(42_000_000), balance.Int64())
}

func TestPayoutError(t *testing.T) {
	inner := errors.New("network error")
	withHash := &PayoutError{Op: "send", TxHash: "0xabc123", Err: inner}
	assert.Contains(t, withHash.Error(), "0xabc123")
	assert.True(t, errors.Is(withHash, inner))

	noHash := &PayoutError{Op: "nonce", Err: inner}
	assert.Contains(t, noHash.Error(), "nonce failed")
}

func TestValidatePayoutConfig(t *testing.T) {
	valid := PayoutConfig{
		RPCURL:       "https://sepolia.base.org",
		PrivateKey:   testKey,
		ChainID:      84532,
		USDTContract: testUSDT,
	}

	tests := []struct {
		name    string
		mutate  func(*PayoutConfig)
		wantErr bool
	}{
		{"valid", func(c *PayoutConfig) {}, false},
		{"valid with 0x prefix", func(c *PayoutConfig) { c.PrivateKey = "0x" + testKey }, false},
		{"missing RPC URL", func(c *PayoutConfig) { c.RPCURL = "" }, true},
		{"missing private key", func(c *PayoutConfig) { c.PrivateKey = "" }, true},
		{"short private key", func(c *PayoutConfig) { c.PrivateKey = "tooshort" }, true},
		{"missing chain ID", func(c *PayoutConfig) { c.ChainID = 0 }, true},
		{"missing contract", func(c *PayoutConfig) { c.USDTContract = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := validatePayoutConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
