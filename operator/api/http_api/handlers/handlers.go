package handlers

import (
	"math/big"

	"github.com/depools/joinmix/enclave"
	"github.com/depools/joinmix/operator/services/deal"
)

type HTTPApp struct {
	dealService        deal.DealService
	enclave            enclave.Enclave
	canonicalAmountWei *big.Int
}

func NewHTTPApp(dealService deal.DealService, encl enclave.Enclave, canonicalAmountWei *big.Int) *HTTPApp {
	return &HTTPApp{
		dealService:        dealService,
		enclave:            encl,
		canonicalAmountWei: canonicalAmountWei,
	}
}
