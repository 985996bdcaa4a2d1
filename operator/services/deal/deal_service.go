package deal

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/depools/joinmix/enclave"
	"github.com/depools/joinmix/fsm/deal_flow_fsm"
	"github.com/depools/joinmix/ledger"
	"github.com/depools/joinmix/operator/api/dto"
	"github.com/depools/joinmix/operator/repositories/bundle"
	"github.com/depools/joinmix/operator/repositories/deposit"
	"github.com/depools/joinmix/operator/types"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidDeposit   = errors.New("invalid deposit")
	ErrQuorumRace       = errors.New("deposits consumed by a concurrent deal creation")
	ErrLedger           = errors.New("ledger rejected the transaction")
	ErrExecution        = errors.New("confidential execution failed")
	ErrConsistencyFault = errors.New("deposit pool violated the quorum invariant")
)

// DealService owns quorum evaluation, deal creation and execution per
// amount bucket. CreateDealIfQuorumReached returns (nil, nil) when the
// bucket is simply below threshold.
type DealService interface {
	RegisterDeposit(depositDTO *dto.DepositMetadataDTO) (*types.Deposit, error)
	FetchFillableDeposits(minAmountWei *big.Int) ([]*types.Deposit, error)
	Quorum(amountWei *big.Int) (int, error)
	CreateDealIfQuorumReached(ctx context.Context, amountWei *big.Int) (*ledger.Deal, error)
	ExecuteDeal(ctx context.Context, deal *ledger.Deal) (*ledger.Deal, error)
	ListDeals(ctx context.Context, status ledger.DealStatus) ([]*ledger.Deal, error)
	Threshold() int
}

// dealBucket serializes the check-then-act sequence for one deposit
// amount. Buckets proceed independently of each other.
type dealBucket struct {
	sync.Mutex
	machine *deal_flow_fsm.DealFlowFSM
}

type BaseDealService struct {
	organizer common.Address
	threshold int
	limits    enclave.Limits

	depositRepo deposit.DepositRepo
	bundleRepo  bundle.BundleRepo
	ledger      ledger.Ledger
	enclave     enclave.Enclave

	bucketsMu sync.Mutex
	buckets   map[string]*dealBucket
}

var _ DealService = (*BaseDealService)(nil)

func NewDealService(
	organizer common.Address,
	threshold int,
	limits enclave.Limits,
	depositRepo deposit.DepositRepo,
	bundleRepo bundle.BundleRepo,
	ldgr ledger.Ledger,
	encl enclave.Enclave,
) (*BaseDealService, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("threshold must be positive, got %d", threshold)
	}

	return &BaseDealService{
		organizer:   organizer,
		threshold:   threshold,
		limits:      limits,
		depositRepo: depositRepo,
		bundleRepo:  bundleRepo,
		ledger:      ldgr,
		enclave:     encl,
		buckets:     make(map[string]*dealBucket),
	}, nil
}

func (s *BaseDealService) Threshold() int {
	return s.threshold
}

func (s *BaseDealService) bucket(amountWei *big.Int) *dealBucket {
	s.bucketsMu.Lock()
	defer s.bucketsMu.Unlock()

	key := amountWei.String()
	b, ok := s.buckets[key]
	if !ok {
		b = &dealBucket{machine: deal_flow_fsm.New()}
		s.buckets[key] = b
	}
	return b
}

// BucketState reports the lifecycle state of an amount bucket.
func (s *BaseDealService) BucketState(amountWei *big.Int) string {
	return s.bucket(amountWei).machine.State().String()
}

func (s *BaseDealService) RegisterDeposit(depositDTO *dto.DepositMetadataDTO) (*types.Deposit, error) {
	if depositDTO.Sender == "" || !common.IsHexAddress(depositDTO.Sender) {
		return nil, fmt.Errorf("%w: bad sender address %q", ErrInvalidDeposit, depositDTO.Sender)
	}
	if depositDTO.AmountWei == nil || depositDTO.AmountWei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", ErrInvalidDeposit)
	}
	if len(depositDTO.EncryptedRecipient) == 0 {
		return nil, fmt.Errorf("%w: empty encrypted recipient", ErrInvalidDeposit)
	}
	if len(depositDTO.PubKey) == 0 {
		return nil, fmt.Errorf("%w: empty sender public key", ErrInvalidDeposit)
	}

	stored, err := s.depositRepo.PutDeposit(&types.Deposit{
		Sender:             common.HexToAddress(depositDTO.Sender),
		AmountWei:          new(big.Int).Set(depositDTO.AmountWei),
		SenderPubKey:       depositDTO.PubKey,
		EncryptedRecipient: depositDTO.EncryptedRecipient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to PutDeposit: %w", err)
	}

	return stored, nil
}

func (s *BaseDealService) FetchFillableDeposits(minAmountWei *big.Int) ([]*types.Deposit, error) {
	return s.depositRepo.ListFillable(minAmountWei)
}

// Quorum is the live count of unused deposits at exactly amountWei.
// It is recomputed from the store on every call, never cached.
func (s *BaseDealService) Quorum(amountWei *big.Int) (int, error) {
	fillable, err := s.bucketDeposits(amountWei)
	if err != nil {
		return 0, err
	}
	return len(fillable), nil
}

func (s *BaseDealService) bucketDeposits(amountWei *big.Int) ([]*types.Deposit, error) {
	fillable, err := s.depositRepo.ListFillable(amountWei)
	if err != nil {
		return nil, fmt.Errorf("failed to ListFillable: %w", err)
	}

	var bucketed []*types.Deposit
	for _, d := range fillable {
		if d.AmountWei.Cmp(amountWei) == 0 {
			bucketed = append(bucketed, d)
		}
	}
	return bucketed, nil
}

// CreateDealIfQuorumReached runs the quorum check-then-act sequence
// under the bucket lock: two concurrent invocations can never both
// observe quorum and bundle overlapping deposits.
func (s *BaseDealService) CreateDealIfQuorumReached(ctx context.Context, amountWei *big.Int) (*ledger.Deal, error) {
	b := s.bucket(amountWei)
	b.Lock()
	defer b.Unlock()

	switch b.machine.State() {
	case deal_flow_fsm.StateHalted:
		return nil, fmt.Errorf("%w: bucket %s is halted", ErrConsistencyFault, amountWei)
	case deal_flow_fsm.StateIdle:
	default:
		// A deal for this bucket is still in flight.
		return nil, nil
	}

	bucketed, err := s.bucketDeposits(amountWei)
	if err != nil {
		return nil, err
	}
	if len(bucketed) < s.threshold {
		return nil, nil
	}

	if _, err := b.machine.Do(deal_flow_fsm.EventQuorumReached); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConsistencyFault, err)
	}

	// Oldest deposits go in first.
	selected := bucketed[:s.threshold]

	commitments := make([]ledger.Commitment, 0, len(selected))
	depositIDs := make([]string, 0, len(selected))
	encryptedRecipients := make([][]byte, 0, len(selected))
	for _, d := range selected {
		commitments = append(commitments, ledger.Commitment{
			Sender:             d.Sender,
			AmountWei:          d.AmountWei,
			SenderPubKey:       d.SenderPubKey,
			EncryptedRecipient: d.EncryptedRecipient,
		})
		depositIDs = append(depositIDs, d.ID)
		encryptedRecipients = append(encryptedRecipients, d.EncryptedRecipient)
	}

	createdDeal, err := s.ledger.CreateDeal(ctx, s.organizer, amountWei, commitments)
	if err != nil {
		b.machine.Do(deal_flow_fsm.EventQuorumLost)
		return nil, fmt.Errorf("%w: %v", ErrLedger, err)
	}

	// Past this point the deal exists on the ledger. Any failure to
	// record what it consumed leaves the pool and the ledger out of
	// step, so the bucket halts instead of accepting further deposits
	// against a broken bookkeeping.
	if err := s.depositRepo.MarkUsed(depositIDs); err != nil {
		if errors.Is(err, deposit.ErrDepositNotFound) {
			b.machine.Do(deal_flow_fsm.EventQuorumLost)
			return nil, fmt.Errorf("%w: %v", ErrQuorumRace, err)
		}
		b.machine.Do(deal_flow_fsm.EventHalt)
		return nil, fmt.Errorf("%w: deal %s created but deposits not consumed: %v",
			ErrConsistencyFault, createdDeal.DealID.Hex(), err)
	}

	if err := s.bundleRepo.PutBundle(&bundle.Bundle{
		DealID:              createdDeal.DealID,
		DepositInWei:        createdDeal.DepositInWei,
		DepositIDs:          depositIDs,
		EncryptedRecipients: encryptedRecipients,
	}); err != nil {
		b.machine.Do(deal_flow_fsm.EventHalt)
		return nil, fmt.Errorf("%w: deal %s has no stored bundle: %v",
			ErrConsistencyFault, createdDeal.DealID.Hex(), err)
	}

	if _, err := b.machine.Do(deal_flow_fsm.EventDealCreate); err != nil {
		b.machine.Do(deal_flow_fsm.EventHalt)
		return nil, fmt.Errorf("%w: %v", ErrConsistencyFault, err)
	}

	// Still inside the critical section, no registration can have
	// interleaved: the pool must have shrunk by exactly threshold.
	quorumAfter, err := s.Quorum(amountWei)
	if err != nil {
		return nil, err
	}
	if quorumAfter != len(bucketed)-s.threshold {
		b.machine.Do(deal_flow_fsm.EventHalt)
		return nil, fmt.Errorf("%w: bucket %s holds %d unused deposits after creation, expected %d",
			ErrConsistencyFault, amountWei, quorumAfter, len(bucketed)-s.threshold)
	}

	return createdDeal, nil
}

// ExecuteDeal feeds the deal's bundle to the confidential backend and
// commits the outcome. On ErrExecution the deal stays Created and may
// be retried without re-registering deposits.
func (s *BaseDealService) ExecuteDeal(ctx context.Context, deal *ledger.Deal) (*ledger.Deal, error) {
	if deal.Status != ledger.DealStatusCreated {
		return nil, fmt.Errorf("deal %s is %s, only Created deals execute", deal.DealID.Hex(), deal.Status)
	}

	storedBundle, err := s.bundleRepo.GetBundle(deal.DealID)
	if err != nil {
		return nil, fmt.Errorf("failed to GetBundle: %w", err)
	}

	payouts, err := s.enclave.Execute(ctx, enclave.Bundle{
		DealID:              deal.DealID,
		DepositInWei:        deal.DepositInWei,
		EncryptedRecipients: storedBundle.EncryptedRecipients,
	}, s.limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}

	executedDeal, err := s.ledger.CommitExecution(ctx, deal.DealID, payouts)
	if err != nil {
		// Computed but unsettled: needs operator intervention, not a
		// plain execution retry.
		return nil, fmt.Errorf("%w: outcome commit failed: %v", ErrLedger, err)
	}

	b := s.bucket(deal.DepositInWei)
	b.Lock()
	defer b.Unlock()
	if b.machine.State() == deal_flow_fsm.StateDealCreated {
		b.machine.Do(deal_flow_fsm.EventDealExecute)
		b.machine.Do(deal_flow_fsm.EventCycleComplete)
	}

	return executedDeal, nil
}

// ResyncBuckets advances bucket machines past deals that were created
// but not yet executed before a restart, so a fresh coordinator does
// not open a second deal on top of an in-flight one.
func (s *BaseDealService) ResyncBuckets(ctx context.Context) error {
	pending, err := s.ledger.ListDeals(ctx, ledger.DealStatusCreated)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedger, err)
	}

	for _, deal := range pending {
		b := s.bucket(deal.DepositInWei)
		b.Lock()
		if b.machine.State() == deal_flow_fsm.StateIdle {
			b.machine.Do(deal_flow_fsm.EventQuorumReached)
			b.machine.Do(deal_flow_fsm.EventDealCreate)
		}
		b.Unlock()
	}
	return nil
}

func (s *BaseDealService) ListDeals(ctx context.Context, status ledger.DealStatus) ([]*ledger.Deal, error) {
	deals, err := s.ledger.ListDeals(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedger, err)
	}
	return deals, nil
}
