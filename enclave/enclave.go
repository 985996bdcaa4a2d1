package enclave

import (
	"context"
	"fmt"
	"math/big"

	"github.com/depools/joinmix/ledger"

	"github.com/corestario/kyber"
	"github.com/corestario/kyber/encrypt/ecies"
	bls12381 "github.com/corestario/kyber/pairing/bls12381"
	vss "github.com/corestario/kyber/share/vss/rabin"
	"github.com/ethereum/go-ethereum/common"
)

// Limits caps a single routing computation.
type Limits struct {
	GasBudget       uint64   `json:"gas_budget"`
	PricePerUnitWei *big.Int `json:"price_per_unit_wei"`
}

// Bundle is a deal's encrypted-recipient set handed to the backend.
type Bundle struct {
	DealID              common.Hash `json:"deal_id"`
	DepositInWei        *big.Int    `json:"deposit_in_wei"`
	EncryptedRecipients [][]byte    `json:"encrypted_recipients"`
}

// Enclave is the confidential execution backend boundary. PublicKey may
// block on the backend's own settlement, so both calls take a context.
type Enclave interface {
	PublicKey(ctx context.Context) ([]byte, error)
	Execute(ctx context.Context, bundle Bundle, limits Limits) ([]ledger.Payout, error)
}

// BaseSuite returns the pairing suite the encryption scheme runs on.
// Client and backend must agree on it for ciphertexts to round-trip.
func BaseSuite(seed []byte) vss.Suite {
	return bls12381.NewBLS12381Suite(seed)
}

// UnmarshalPubKey restores a broadcast public key into a suite point.
func UnmarshalPubKey(suite vss.Suite, pubKey []byte) (kyber.Point, error) {
	point := suite.Point()
	if err := point.UnmarshalBinary(pubKey); err != nil {
		return nil, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return point, nil
}

// EncryptRecipient seals a payout address under the backend's public
// key. Only the backend's secret key opens the ciphertext.
func EncryptRecipient(suite vss.Suite, backendPubKey []byte, recipient common.Address) ([]byte, error) {
	point, err := UnmarshalPubKey(suite, backendPubKey)
	if err != nil {
		return nil, err
	}

	encrypted, err := ecies.Encrypt(suite, point, recipient.Bytes(), suite.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt recipient: %w", err)
	}
	return encrypted, nil
}
