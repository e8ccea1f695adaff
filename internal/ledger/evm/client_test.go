package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/claimledger/internal/ledger"
)

const contractAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

type fakeBackend struct {
	mu       sync.Mutex
	chainID  *big.Int
	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	call     func(msg ethereum.CallMsg) ([]byte, error)
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return b.chainID, nil }

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return b.call(msg)
}

func newTestClient(t *testing.T) (*Client, *fakeBackend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	b := &fakeBackend{chainID: big.NewInt(80002), receipts: map[common.Hash]*types.Receipt{}}
	c, err := New(b, Config{
		RPCURL:          "http://localhost:8545",
		ContractAddress: contractAddr,
		PrivateKey:      "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:         80002,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), c.Account())
	return c, b
}

func TestConfigValidate(t *testing.T) {
	err := Config{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc_url, contract_address, private_key")

	err = Config{RPCURL: "x", ContractAddress: "nope", PrivateKey: "k", ChainID: 1}.Validate()
	assert.ErrorContains(t, err, "not a hex address")

	err = Config{RPCURL: "x", ContractAddress: contractAddr, PrivateKey: "k"}.Validate()
	assert.ErrorContains(t, err, "chain_id")
}

func TestNew_BadKey(t *testing.T) {
	_, err := New(&fakeBackend{}, Config{RPCURL: "x", ContractAddress: contractAddr, PrivateKey: "zz", ChainID: 1}, nil)
	assert.ErrorContains(t, err, "private key")
}

func TestPing_ChainMismatch(t *testing.T) {
	c, b := newTestClient(t)
	require.NoError(t, c.Ping(context.Background()))

	b.chainID = big.NewInt(1)
	assert.ErrorContains(t, c.Ping(context.Background()), "node serves chain 1")
}

func TestSubmitClaim_SignsLegacyTransaction(t *testing.T) {
	c, b := newTestClient(t)

	tx, err := c.SubmitClaim(context.Background(), 7, ledger.SubmitRequest{
		Slot:            90756798,
		Claimant:        c.Account(),
		Category:        1,
		RequestedAmount: ledger.ToWei(1000),
		EvidenceRef:     "ipfs://claim-90756798-2024-06-01T12:00:00Z",
	})
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	sent := b.sent[0]
	assert.Equal(t, string(tx), sent.Hash().Hex())
	assert.Equal(t, uint64(7), sent.Nonce())
	assert.Equal(t, uint64(500_000), sent.Gas())
	assert.Equal(t, big.NewInt(30_000_000_000), sent.GasPrice())
	assert.Equal(t, common.HexToAddress(contractAddr), *sent.To())
	assert.Equal(t, uint8(types.LegacyTxType), sent.Type())

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(80002)), sent)
	require.NoError(t, err)
	assert.Equal(t, c.Account(), from.Hex())

	method, err := c.abi.MethodById(sent.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "submitClaim", method.Name)
	args, err := method.Inputs.Unpack(sent.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, uint64(90756798), args[0].(*big.Int).Uint64())
	assert.Equal(t, uint8(1), args[2])
	assert.Zero(t, ledger.ToWei(1000).Cmp(args[3].(*big.Int)))
	assert.Equal(t, "ipfs://claim-90756798-2024-06-01T12:00:00Z", args[4])
}

func TestUpdateAssessment_PacksReports(t *testing.T) {
	c, b := newTestClient(t)

	_, err := c.UpdateAssessment(context.Background(), 8, ledger.AssessmentUpdate{
		Slot:              42,
		ConfidencePercent: 90,
		RiskScore:         20,
		RecommendedAmount: ledger.ToWei(900),
		Reports:           []string{`{"agent":"fraud"}`, `{"agent":"settlement"}`},
		FraudDetected:     true,
	})
	require.NoError(t, err)
	require.Len(t, b.sent, 1)
	assert.Equal(t, uint64(1_500_000), b.sent[0].Gas())

	method, err := c.abi.MethodById(b.sent[0].Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "updateAIAssessment", method.Name)
	args, err := method.Inputs.Unpack(b.sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, []string{`{"agent":"fraud"}`, `{"agent":"settlement"}`}, args[4])
	assert.Equal(t, true, args[5])
}

func TestReceipt(t *testing.T) {
	c, b := newTestClient(t)
	hash := common.HexToHash("0x01")

	_, err := c.Receipt(context.Background(), ledger.TxRef(hash.Hex()))
	assert.ErrorIs(t, err, ledger.ErrReceiptPending)

	b.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(12), GasUsed: 21000}
	r, err := c.Receipt(context.Background(), ledger.TxRef(hash.Hex()))
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, uint64(12), r.BlockNumber)
	assert.Equal(t, uint64(21000), r.GasUsed)
}

func TestGetRecord_DecodesContractOutput(t *testing.T) {
	c, b := newTestClient(t)
	claimant := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	b.call = func(msg ethereum.CallMsg) ([]byte, error) {
		method, err := c.abi.MethodById(msg.Data[:4])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(
			big.NewInt(42), claimant, uint8(2), uint8(ledger.StatusApproved),
			ledger.ToWei(1000), ledger.ToWei(800), "ipfs://x", big.NewInt(1717243200), false,
		)
	}

	rec, err := c.GetRecord(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, rec.Exists())
	assert.Equal(t, uint64(42), rec.ID)
	assert.Equal(t, claimant.Hex(), rec.Claimant)
	assert.Equal(t, ledger.StatusApproved, rec.Status)
	assert.Equal(t, "800", ledger.FormatUnits(rec.ApprovedAmount))
	assert.Equal(t, int64(1717243200), rec.SubmittedAt.Unix())
}

func TestGetRecord_EmptySlot(t *testing.T) {
	c, b := newTestClient(t)
	b.call = func(msg ethereum.CallMsg) ([]byte, error) {
		method, _ := c.abi.MethodById(msg.Data[:4])
		return method.Outputs.Pack(
			new(big.Int), common.Address{}, uint8(0), uint8(0),
			new(big.Int), new(big.Int), "", new(big.Int), false,
		)
	}

	rec, err := c.GetRecord(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, rec.Exists())
	assert.Empty(t, rec.Claimant)
}

func TestGetRecord_CallError(t *testing.T) {
	c, b := newTestClient(t)
	b.call = func(ethereum.CallMsg) ([]byte, error) { return nil, errors.New("execution reverted") }

	_, err := c.GetRecord(context.Background(), 7)
	assert.ErrorContains(t, err, "call claims: execution reverted")
}

func TestGetAssessment(t *testing.T) {
	c, b := newTestClient(t)
	b.call = func(msg ethereum.CallMsg) ([]byte, error) {
		method, _ := c.abi.MethodById(msg.Data[:4])
		return method.Outputs.Pack(big.NewInt(90), big.NewInt(20), ledger.ToWei(900), []string{"a", "b"}, true)
	}

	a, err := c.GetAssessment(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), a.ConfidenceScore)
	assert.Equal(t, uint64(20), a.RiskScore)
	assert.Equal(t, []string{"a", "b"}, a.Reports)
	assert.True(t, a.FraudDetected)
}
