package local

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/depools/joinmix/enclave"
	"github.com/depools/joinmix/ledger"

	"github.com/corestario/kyber"
	"github.com/corestario/kyber/encrypt/ecies"
	vss "github.com/corestario/kyber/share/vss/rabin"
	"github.com/ethereum/go-ethereum/common"
)

// gasPerRecipient is the unit cost of decrypting and routing one
// participant's payout.
const gasPerRecipient = 21000

var (
	ErrGasBudgetExceeded = errors.New("gas budget exceeded")
	ErrBadLimits         = errors.New("invalid execution limits")
)

var _ enclave.Enclave = (*Enclave)(nil)

// Enclave is an in-process confidential execution backend. It owns the
// routing key pair; recipient plaintext exists only inside Execute.
type Enclave struct {
	mu sync.Mutex

	suite    vss.Suite
	secKey   kyber.Scalar
	pubKey   kyber.Point
	pubKeyBz []byte
}

func NewEnclave(seed []byte) (*Enclave, error) {
	suite := enclave.BaseSuite(seed)

	secKey := suite.Scalar().Pick(suite.RandomStream())
	pubKey := suite.Point().Mul(secKey, nil)

	pubKeyBz, err := pubKey.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enclave public key: %w", err)
	}

	return &Enclave{
		suite:    suite,
		secKey:   secKey,
		pubKey:   pubKey,
		pubKeyBz: pubKeyBz,
	}, nil
}

func (e *Enclave) PublicKey(_ context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]byte, len(e.pubKeyBz))
	copy(out, e.pubKeyBz)
	return out, nil
}

// Execute decrypts the bundled recipients and produces the payout legs
// for the deal. Failure leaves no partial outcome.
func (e *Enclave) Execute(ctx context.Context, bundle enclave.Bundle, limits enclave.Limits) ([]ledger.Payout, error) {
	if limits.PricePerUnitWei == nil || limits.PricePerUnitWei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive price per unit", ErrBadLimits)
	}

	gasNeeded := uint64(len(bundle.EncryptedRecipients)) * gasPerRecipient
	if gasNeeded > limits.GasBudget {
		return nil, fmt.Errorf("%w: need %d, budget %d", ErrGasBudgetExceeded, gasNeeded, limits.GasBudget)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	payouts := make([]ledger.Payout, 0, len(bundle.EncryptedRecipients))
	for i, ciphertext := range bundle.EncryptedRecipients {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		plaintext, err := ecies.Decrypt(e.suite, e.secKey, ciphertext, e.suite.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt recipient %d: %w", i, err)
		}
		if len(plaintext) != common.AddressLength {
			return nil, fmt.Errorf("recipient %d: unexpected plaintext length %d", i, len(plaintext))
		}

		payouts = append(payouts, ledger.Payout{
			Recipient: common.BytesToAddress(plaintext),
			AmountWei: new(big.Int).Set(bundle.DepositInWei),
		})
	}

	return payouts, nil
}
