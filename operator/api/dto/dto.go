package dto

import (
	"math/big"
)

// This package contains DTO (Data Transfer Object) structures
// for providing validated and sanitized values to service layer

type DepositMetadataDTO struct {
	Sender             string
	AmountWei          *big.Int
	PubKey             []byte
	EncryptedRecipient []byte
}

type FetchFillableDTO struct {
	MinAmountWei *big.Int
}

type ExecuteDealDTO struct {
	DealID string
}
