package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type DealStatus string

const (
	// DealStatusAny matches every deal when used as a ListDeals filter.
	DealStatusAny      DealStatus = ""
	DealStatusCreated  DealStatus = "Created"
	DealStatusExecuted DealStatus = "Executed"
)

// Deal is the on-chain record of a batch of deposits bundled for joint
// settlement. Status only ever moves Created -> Executed.
type Deal struct {
	DealID          common.Hash    `json:"deal_id"`
	Organizer       common.Address `json:"organizer"`
	DepositInWei    *big.Int       `json:"deposit_in_wei"`
	NumParticipants int            `json:"num_participants"`
	Status          DealStatus     `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
}

// DepositReceipt is returned once a deposit transaction is included.
type DepositReceipt struct {
	TxHash     common.Hash    `json:"tx_hash"`
	Sender     common.Address `json:"sender"`
	AmountWei  *big.Int       `json:"amount_wei"`
	IncludedAt time.Time      `json:"included_at"`
}

// Commitment binds one deposit into a deal without revealing the payout
// address: the recipient travels only as ciphertext.
type Commitment struct {
	Sender             common.Address `json:"sender"`
	AmountWei          *big.Int       `json:"amount_wei"`
	SenderPubKey       []byte         `json:"sender_pub_key"`
	EncryptedRecipient []byte         `json:"encrypted_recipient"`
}

// Payout is one leg of a deal's routing outcome.
type Payout struct {
	Recipient common.Address `json:"recipient"`
	AmountWei *big.Int       `json:"amount_wei"`
}

// Ledger is the settlement layer boundary. Every call blocks until the
// write is final (or the context expires), so callers own the timeout.
type Ledger interface {
	SubmitDeposit(ctx context.Context, sender common.Address, amountWei *big.Int) (*DepositReceipt, error)
	CreateDeal(ctx context.Context, organizer common.Address, depositInWei *big.Int, commitments []Commitment) (*Deal, error)
	CommitExecution(ctx context.Context, dealID common.Hash, payouts []Payout) (*Deal, error)
	ListDeals(ctx context.Context, status DealStatus) ([]*Deal, error)
}
