package inmem

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/depools/joinmix/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

func commitmentsFor(amount *big.Int, senders ...common.Address) []ledger.Commitment {
	var cs []ledger.Commitment
	for _, sender := range senders {
		cs = append(cs, ledger.Commitment{
			Sender:             sender,
			AmountWei:          amount,
			SenderPubKey:       []byte("pub"),
			EncryptedRecipient: []byte("ciphertext"),
		})
	}
	return cs
}

func TestLedger_DealLifecycle(t *testing.T) {
	var (
		req       = require.New(t)
		ctx       = context.Background()
		l         = NewLedger(0)
		organizer = common.HexToAddress("0x01")
		amount    = new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))
		senders   = []common.Address{common.HexToAddress("0xa1"), common.HexToAddress("0xa2")}
	)

	for _, sender := range senders {
		receipt, err := l.SubmitDeposit(ctx, sender, amount)
		req.NoError(err)
		req.Equal(sender, receipt.Sender)
		req.NotEqual(common.Hash{}, receipt.TxHash)
	}

	deal, err := l.CreateDeal(ctx, organizer, amount, commitmentsFor(amount, senders...))
	req.NoError(err)
	req.Equal(2, deal.NumParticipants)
	req.Equal(ledger.DealStatusCreated, deal.Status)

	created, err := l.ListDeals(ctx, ledger.DealStatusCreated)
	req.NoError(err)
	req.Len(created, 1)

	payouts := []ledger.Payout{
		{Recipient: common.HexToAddress("0xb1"), AmountWei: amount},
		{Recipient: common.HexToAddress("0xb2"), AmountWei: amount},
	}
	executed, err := l.CommitExecution(ctx, deal.DealID, payouts)
	req.NoError(err)
	req.Equal(ledger.DealStatusExecuted, executed.Status)

	// No reverse transition and no double execution.
	_, err = l.CommitExecution(ctx, deal.DealID, payouts)
	req.ErrorIs(err, ErrAlreadyExecuted)

	remaining, err := l.ListDeals(ctx, ledger.DealStatusCreated)
	req.NoError(err)
	req.Empty(remaining)
}

func TestLedger_CreateDealRequiresDeposits(t *testing.T) {
	var (
		req    = require.New(t)
		ctx    = context.Background()
		l      = NewLedger(0)
		amount = big.NewInt(params.GWei)
		sender = common.HexToAddress("0xa1")
	)

	_, err := l.CreateDeal(ctx, common.HexToAddress("0x01"), amount, commitmentsFor(amount, sender))
	req.ErrorIs(err, ErrNoDepositOnLedger)

	_, err = l.SubmitDeposit(ctx, sender, amount)
	req.NoError(err)

	// A deposit backs at most one deal.
	_, err = l.CreateDeal(ctx, common.HexToAddress("0x01"), amount, commitmentsFor(amount, sender))
	req.NoError(err)
	_, err = l.CreateDeal(ctx, common.HexToAddress("0x01"), amount, commitmentsFor(amount, sender))
	req.ErrorIs(err, ErrNoDepositOnLedger)
}

func TestLedger_CommitExecutionRejectsUnbalancedPayouts(t *testing.T) {
	var (
		req    = require.New(t)
		ctx    = context.Background()
		l      = NewLedger(0)
		amount = big.NewInt(params.GWei)
		sender = common.HexToAddress("0xa1")
	)

	_, err := l.SubmitDeposit(ctx, sender, amount)
	req.NoError(err)
	deal, err := l.CreateDeal(ctx, common.HexToAddress("0x01"), amount, commitmentsFor(amount, sender))
	req.NoError(err)

	_, err = l.CommitExecution(ctx, deal.DealID, []ledger.Payout{
		{Recipient: common.HexToAddress("0xb1"), AmountWei: big.NewInt(1)},
	})
	req.ErrorIs(err, ErrBadPayouts)
}

func TestLedger_InclusionDelayHonorsContext(t *testing.T) {
	var (
		req = require.New(t)
		l   = NewLedger(time.Minute)
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := l.SubmitDeposit(ctx, common.HexToAddress("0xa1"), big.NewInt(1))
	req.ErrorIs(err, context.DeadlineExceeded)
}
