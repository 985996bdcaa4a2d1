package inmem

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/depools/joinmix/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnknownDeal       = errors.New("unknown deal")
	ErrAlreadyExecuted   = errors.New("deal already executed")
	ErrNoDepositOnLedger = errors.New("no matching deposit recorded on ledger")
	ErrBadCommitments    = errors.New("commitment set rejected")
	ErrBadPayouts        = errors.New("payout set does not balance the deal")
)

var _ ledger.Ledger = (*Ledger)(nil)

type depositKey struct {
	sender common.Address
	amount string
}

// Ledger simulates the settlement contract: an in-process append-only
// record of deposits and deals with a configurable inclusion delay that
// stands in for block finality.
type Ledger struct {
	mu sync.Mutex

	inclusionDelay time.Duration
	dealSeq        uint64

	// unconsumed on-chain deposits, counted per (sender, amount)
	deposits map[depositKey]int
	deals    map[common.Hash]*ledger.Deal
	dealIDs  []common.Hash
}

func NewLedger(inclusionDelay time.Duration) *Ledger {
	return &Ledger{
		inclusionDelay: inclusionDelay,
		deposits:       make(map[depositKey]int),
		deals:          make(map[common.Hash]*ledger.Deal),
	}
}

// waitInclusion blocks for the configured finality delay, honoring ctx.
func (l *Ledger) waitInclusion(ctx context.Context) error {
	if l.inclusionDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(l.inclusionDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Ledger) SubmitDeposit(ctx context.Context, sender common.Address, amountWei *big.Int) (*ledger.DepositReceipt, error) {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive deposit amount: %v", amountWei)
	}
	if err := l.waitInclusion(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.deposits[depositKey{sender: sender, amount: amountWei.String()}]++

	receipt := &ledger.DepositReceipt{
		TxHash:     crypto.Keccak256Hash(sender.Bytes(), amountWei.Bytes(), nonce(len(l.deposits))),
		Sender:     sender,
		AmountWei:  new(big.Int).Set(amountWei),
		IncludedAt: time.Now(),
	}
	return receipt, nil
}

func (l *Ledger) CreateDeal(ctx context.Context, organizer common.Address, depositInWei *big.Int, commitments []ledger.Commitment) (*ledger.Deal, error) {
	if len(commitments) == 0 {
		return nil, fmt.Errorf("%w: empty commitment set", ErrBadCommitments)
	}
	for _, c := range commitments {
		if c.AmountWei == nil || c.AmountWei.Cmp(depositInWei) != 0 {
			return nil, fmt.Errorf("%w: commitment amount %v does not match deal amount %v",
				ErrBadCommitments, c.AmountWei, depositInWei)
		}
		if len(c.EncryptedRecipient) == 0 {
			return nil, fmt.Errorf("%w: empty encrypted recipient for %s", ErrBadCommitments, c.Sender.Hex())
		}
	}
	if err := l.waitInclusion(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// All commitments must be backed by recorded deposits; consume them
	// atomically or revert.
	for _, c := range commitments {
		key := depositKey{sender: c.Sender, amount: c.AmountWei.String()}
		if l.deposits[key] < 1 {
			return nil, fmt.Errorf("%w: %s at %s wei", ErrNoDepositOnLedger, c.Sender.Hex(), c.AmountWei)
		}
	}
	for _, c := range commitments {
		l.deposits[depositKey{sender: c.Sender, amount: c.AmountWei.String()}]--
	}

	l.dealSeq++
	deal := &ledger.Deal{
		DealID:          crypto.Keccak256Hash(organizer.Bytes(), depositInWei.Bytes(), nonce(int(l.dealSeq))),
		Organizer:       organizer,
		DepositInWei:    new(big.Int).Set(depositInWei),
		NumParticipants: len(commitments),
		Status:          ledger.DealStatusCreated,
		CreatedAt:       time.Now(),
	}
	l.deals[deal.DealID] = deal
	l.dealIDs = append(l.dealIDs, deal.DealID)

	out := *deal
	return &out, nil
}

func (l *Ledger) CommitExecution(ctx context.Context, dealID common.Hash, payouts []ledger.Payout) (*ledger.Deal, error) {
	if err := l.waitInclusion(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	deal, ok := l.deals[dealID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDeal, dealID.Hex())
	}
	if deal.Status == ledger.DealStatusExecuted {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuted, dealID.Hex())
	}

	total := new(big.Int)
	for _, p := range payouts {
		if p.AmountWei == nil || p.AmountWei.Sign() <= 0 {
			return nil, fmt.Errorf("%w: non-positive payout", ErrBadPayouts)
		}
		total.Add(total, p.AmountWei)
	}
	expected := new(big.Int).Mul(deal.DepositInWei, big.NewInt(int64(deal.NumParticipants)))
	if total.Cmp(expected) != 0 {
		return nil, fmt.Errorf("%w: payouts sum %s, deal holds %s", ErrBadPayouts, total, expected)
	}

	deal.Status = ledger.DealStatusExecuted

	out := *deal
	return &out, nil
}

func (l *Ledger) ListDeals(_ context.Context, status ledger.DealStatus) ([]*ledger.Deal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var deals []*ledger.Deal
	for _, id := range l.dealIDs {
		deal := l.deals[id]
		if status != ledger.DealStatusAny && deal.Status != status {
			continue
		}
		out := *deal
		deals = append(deals, &out)
	}
	return deals, nil
}

func nonce(n int) []byte {
	bz := make([]byte, 8)
	binary.LittleEndian.PutUint64(bz, uint64(n))
	return bz
}
