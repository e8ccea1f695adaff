package evm

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ppiankov/claimledger/internal/ledger"
)

// contractABI covers the claims contract methods the service calls
const contractABI = `[
  {"type":"function","name":"submitClaim","stateMutability":"nonpayable",
   "inputs":[{"name":"_claimId","type":"uint256"},{"name":"_claimant","type":"address"},{"name":"_claimType","type":"uint8"},{"name":"_requestedAmount","type":"uint256"},{"name":"_ipfsHash","type":"string"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"updateAIAssessment","stateMutability":"nonpayable",
   "inputs":[{"name":"_claimId","type":"uint256"},{"name":"_confidenceScore","type":"uint256"},{"name":"_riskScore","type":"uint256"},{"name":"_recommendedAmount","type":"uint256"},{"name":"_agentReports","type":"string[]"},{"name":"_fraudDetected","type":"bool"}],
   "outputs":[]},
  {"type":"function","name":"approveClaim","stateMutability":"nonpayable",
   "inputs":[{"name":"_claimId","type":"uint256"},{"name":"_approvedAmount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"rejectClaim","stateMutability":"nonpayable",
   "inputs":[{"name":"_claimId","type":"uint256"},{"name":"_reason","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"claims","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"claimant","type":"address"},{"name":"claimType","type":"uint8"},{"name":"status","type":"uint8"},{"name":"requestedAmount","type":"uint256"},{"name":"approvedAmount","type":"uint256"},{"name":"ipfsHash","type":"string"},{"name":"submittedAt","type":"uint256"},{"name":"fraudulent","type":"bool"}]},
  {"type":"function","name":"getAIAssessment","stateMutability":"view",
   "inputs":[{"name":"_claimId","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"},{"name":"","type":"uint256"},{"name":"","type":"string[]"},{"name":"","type":"bool"}]}
]`

// ParseABI parses the claims contract ABI
func ParseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABI))
}

func packSubmit(a abi.ABI, req ledger.SubmitRequest) ([]byte, error) {
	return a.Pack("submitClaim",
		new(big.Int).SetUint64(req.Slot),
		common.HexToAddress(req.Claimant),
		req.Category,
		amountOrZero(req.RequestedAmount),
		req.EvidenceRef,
	)
}

func packUpdate(a abi.ABI, upd ledger.AssessmentUpdate) ([]byte, error) {
	reports := upd.Reports
	if reports == nil {
		reports = []string{}
	}
	return a.Pack("updateAIAssessment",
		new(big.Int).SetUint64(upd.Slot),
		new(big.Int).SetUint64(upd.ConfidencePercent),
		new(big.Int).SetUint64(upd.RiskScore),
		amountOrZero(upd.RecommendedAmount),
		reports,
		upd.FraudDetected,
	)
}

// decodeRecord unpacks the output of claims(uint256)
func decodeRecord(a abi.ABI, out []byte) (ledger.Record, error) {
	vals, err := a.Unpack("claims", out)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("unpack claims: %w", err)
	}
	if len(vals) != 9 {
		return ledger.Record{}, fmt.Errorf("unpack claims: got %d values, want 9", len(vals))
	}

	id, ok0 := vals[0].(*big.Int)
	claimant, ok1 := vals[1].(common.Address)
	category, ok2 := vals[2].(uint8)
	status, ok3 := vals[3].(uint8)
	requested, ok4 := vals[4].(*big.Int)
	approved, ok5 := vals[5].(*big.Int)
	ref, ok6 := vals[6].(string)
	submitted, ok7 := vals[7].(*big.Int)
	fraud, ok8 := vals[8].(bool)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8) {
		return ledger.Record{}, fmt.Errorf("unpack claims: unexpected value types %T", vals)
	}

	rec := ledger.Record{
		ID:              id.Uint64(),
		Category:        category,
		Status:          ledger.Status(status),
		RequestedAmount: requested,
		ApprovedAmount:  approved,
		EvidenceRef:     ref,
		Fraudulent:      fraud,
	}
	if rec.Exists() {
		rec.Claimant = claimant.Hex()
		rec.SubmittedAt = time.Unix(submitted.Int64(), 0).UTC()
	}
	return rec, nil
}

// decodeAssessment unpacks the output of getAIAssessment(uint256)
func decodeAssessment(a abi.ABI, out []byte) (ledger.Assessment, error) {
	vals, err := a.Unpack("getAIAssessment", out)
	if err != nil {
		return ledger.Assessment{}, fmt.Errorf("unpack getAIAssessment: %w", err)
	}
	if len(vals) != 5 {
		return ledger.Assessment{}, fmt.Errorf("unpack getAIAssessment: got %d values, want 5", len(vals))
	}
	conf, ok0 := vals[0].(*big.Int)
	risk, ok1 := vals[1].(*big.Int)
	amount, ok2 := vals[2].(*big.Int)
	reports, ok3 := vals[3].([]string)
	fraud, ok4 := vals[4].(bool)
	if !(ok0 && ok1 && ok2 && ok3 && ok4) {
		return ledger.Assessment{}, fmt.Errorf("unpack getAIAssessment: unexpected value types %T", vals)
	}
	return ledger.Assessment{
		ConfidenceScore:   conf.Uint64(),
		RiskScore:         risk.Uint64(),
		RecommendedAmount: amount,
		Reports:           reports,
		FraudDetected:     fraud,
	}, nil
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
