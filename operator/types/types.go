package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Deposit is one participant's registered metadata: the funds already
// sit on the ledger, this record carries the encrypted routing payload.
// Immutable except for Used, which flips exactly once when the deposit
// is bundled into a deal. Records are never deleted.
type Deposit struct {
	ID                 string         `json:"id"` // UUID4
	Sender             common.Address `json:"sender"`
	AmountWei          *big.Int       `json:"amount_wei"`
	SenderPubKey       []byte         `json:"sender_pub_key"`
	EncryptedRecipient []byte         `json:"encrypted_recipient"`
	Used               bool           `json:"used"`
	Seq                uint64         `json:"seq"` // arrival order, drives FIFO bundling
	CreatedAt          time.Time      `json:"created_at"`
}
