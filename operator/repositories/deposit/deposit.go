package deposit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/depools/joinmix/operator/modules/state"
	"github.com/depools/joinmix/operator/types"

	"github.com/google/uuid"
)

const (
	DepositsKey = "deposits"
)

var (
	ErrDuplicateDeposit = errors.New("unused deposit already registered for this sender and amount")
	ErrDepositNotFound  = errors.New("deposit not found or already used")
)

// DepositRepo is the single source of truth for deposit consumption
// status. No caller may cache Used outside of it.
type DepositRepo interface {
	PutDeposit(deposit *types.Deposit) (*types.Deposit, error)
	ListFillable(minAmountWei *big.Int) ([]*types.Deposit, error)
	MarkUsed(depositIDs []string) error
	GetDeposits() (map[string]*types.Deposit, error)
}

type BaseDepositRepo struct {
	state                state.State
	depositsCompositeKey string
}

func NewDepositRepo(s state.State, topic string) (*BaseDepositRepo, error) {
	depositsCompositeKey := state.MakeCompositeKeyString(topic, DepositsKey)

	repo := &BaseDepositRepo{
		state:                s,
		depositsCompositeKey: depositsCompositeKey,
	}

	if err := repo.initJsonKey(depositsCompositeKey); err != nil {
		return nil, fmt.Errorf("failed to init %s storage: %w", depositsCompositeKey, err)
	}

	return repo, nil
}

func (r *BaseDepositRepo) initJsonKey(key string) error {
	bz, err := r.state.Get(key)
	if err != nil {
		return fmt.Errorf("failed to get value with key %s: %w", key, err)
	}
	if len(bz) > 0 {
		return nil
	}

	emptyMap, err := json.Marshal(map[string]*types.Deposit{})
	if err != nil {
		return fmt.Errorf("failed to marshal empty deposits map: %w", err)
	}
	if err := r.state.Set(key, emptyMap); err != nil {
		return fmt.Errorf("failed to set value with key %s: %w", key, err)
	}
	return nil
}

// PutDeposit stores a new deposit, assigning its id and arrival
// sequence. A second unused deposit for the same (sender, amount) is a
// double registration and is rejected.
func (r *BaseDepositRepo) PutDeposit(deposit *types.Deposit) (*types.Deposit, error) {
	deposits, err := r.GetDeposits()
	if err != nil {
		return nil, fmt.Errorf("failed to getDeposits: %w", err)
	}

	var maxSeq uint64
	for _, stored := range deposits {
		if !stored.Used &&
			stored.Sender == deposit.Sender &&
			stored.AmountWei.Cmp(deposit.AmountWei) == 0 {
			return nil, fmt.Errorf("%w: sender %s, amount %s",
				ErrDuplicateDeposit, deposit.Sender.Hex(), deposit.AmountWei)
		}
		if stored.Seq > maxSeq {
			maxSeq = stored.Seq
		}
	}

	stored := *deposit
	stored.ID = uuid.New().String()
	stored.Seq = maxSeq + 1
	stored.Used = false
	stored.CreatedAt = time.Now()

	deposits[stored.ID] = &stored
	if err := r.saveDeposits(deposits); err != nil {
		return nil, err
	}

	return &stored, nil
}

// ListFillable returns unused deposits at or above minAmountWei, oldest
// first. The ordering decides which deposits a deal bundles.
func (r *BaseDepositRepo) ListFillable(minAmountWei *big.Int) ([]*types.Deposit, error) {
	deposits, err := r.GetDeposits()
	if err != nil {
		return nil, fmt.Errorf("failed to getDeposits: %w", err)
	}

	if minAmountWei == nil {
		minAmountWei = big.NewInt(0)
	}

	var fillable []*types.Deposit
	for _, deposit := range deposits {
		if deposit.Used {
			continue
		}
		if deposit.AmountWei.Cmp(minAmountWei) < 0 {
			continue
		}
		fillable = append(fillable, deposit)
	}

	sort.Slice(fillable, func(i, j int) bool {
		return fillable[i].Seq < fillable[j].Seq
	})

	return fillable, nil
}

// MarkUsed flips Used for exactly the given set, or fails without
// touching any record. A missing or already-used id means another deal
// creation got there first.
func (r *BaseDepositRepo) MarkUsed(depositIDs []string) error {
	deposits, err := r.GetDeposits()
	if err != nil {
		return fmt.Errorf("failed to getDeposits: %w", err)
	}

	for _, id := range depositIDs {
		deposit, ok := deposits[id]
		if !ok || deposit.Used {
			return fmt.Errorf("%w: %s", ErrDepositNotFound, id)
		}
	}

	for _, id := range depositIDs {
		deposits[id].Used = true
	}

	return r.saveDeposits(deposits)
}

func (r *BaseDepositRepo) GetDeposits() (map[string]*types.Deposit, error) {
	bz, err := r.state.Get(r.depositsCompositeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get deposits: %w", err)
	}

	var deposits map[string]*types.Deposit
	if err := json.Unmarshal(bz, &deposits); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deposits: %w", err)
	}

	return deposits, nil
}

func (r *BaseDepositRepo) saveDeposits(deposits map[string]*types.Deposit) error {
	depositsJSON, err := json.Marshal(deposits)
	if err != nil {
		return fmt.Errorf("failed to marshal deposits: %w", err)
	}

	if err := r.state.Set(r.depositsCompositeKey, depositsJSON); err != nil {
		return fmt.Errorf("failed to save deposits: %w", err)
	}
	return nil
}
