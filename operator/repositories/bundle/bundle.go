package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/depools/joinmix/operator/modules/state"

	"github.com/ethereum/go-ethereum/common"
)

const (
	BundlesKey = "deal_bundles"
)

var ErrBundleNotFound = errors.New("no bundle stored for deal")

// Bundle preserves what a deal consumed, so execution can be retried
// without re-registering deposits.
type Bundle struct {
	DealID              common.Hash `json:"deal_id"`
	DepositInWei        *big.Int    `json:"deposit_in_wei"`
	DepositIDs          []string    `json:"deposit_ids"`
	EncryptedRecipients [][]byte    `json:"encrypted_recipients"`
}

type BundleRepo interface {
	PutBundle(bundle *Bundle) error
	GetBundle(dealID common.Hash) (*Bundle, error)
}

type BaseBundleRepo struct {
	state               state.State
	bundlesCompositeKey string
}

func NewBundleRepo(s state.State, topic string) (*BaseBundleRepo, error) {
	bundlesCompositeKey := state.MakeCompositeKeyString(topic, BundlesKey)

	repo := &BaseBundleRepo{
		state:               s,
		bundlesCompositeKey: bundlesCompositeKey,
	}

	bz, err := s.Get(bundlesCompositeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get value with key %s: %w", bundlesCompositeKey, err)
	}
	if len(bz) == 0 {
		emptyMap, err := json.Marshal(map[string]*Bundle{})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal empty bundles map: %w", err)
		}
		if err := s.Set(bundlesCompositeKey, emptyMap); err != nil {
			return nil, fmt.Errorf("failed to init %s storage: %w", bundlesCompositeKey, err)
		}
	}

	return repo, nil
}

func (r *BaseBundleRepo) PutBundle(bundle *Bundle) error {
	bundles, err := r.getBundles()
	if err != nil {
		return err
	}

	bundles[bundle.DealID.Hex()] = bundle

	bundlesJSON, err := json.Marshal(bundles)
	if err != nil {
		return fmt.Errorf("failed to marshal bundles: %w", err)
	}
	if err := r.state.Set(r.bundlesCompositeKey, bundlesJSON); err != nil {
		return fmt.Errorf("failed to save bundles: %w", err)
	}
	return nil
}

func (r *BaseBundleRepo) GetBundle(dealID common.Hash) (*Bundle, error) {
	bundles, err := r.getBundles()
	if err != nil {
		return nil, err
	}

	bundle, ok := bundles[dealID.Hex()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, dealID.Hex())
	}
	return bundle, nil
}

func (r *BaseBundleRepo) getBundles() (map[string]*Bundle, error) {
	bz, err := r.state.Get(r.bundlesCompositeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get bundles: %w", err)
	}

	var bundles map[string]*Bundle
	if err := json.Unmarshal(bz, &bundles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bundles: %w", err)
	}
	return bundles, nil
}
