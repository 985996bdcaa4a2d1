package router

import (
	"math/big"

	"github.com/depools/joinmix/enclave"
	"github.com/depools/joinmix/operator/api/http_api/handlers"
	"github.com/depools/joinmix/operator/services/deal"

	"github.com/labstack/echo/v4"
)

func SetRouter(e *echo.Echo, dealService deal.DealService, encl enclave.Enclave, canonicalAmountWei *big.Int) {
	h := handlers.NewHTTPApp(dealService, encl, canonicalAmountWei)

	e.GET("/getPubKey", h.GetPubKey)
	e.GET("/getQuorum", h.GetQuorum)
	e.GET("/getFillableDeposits", h.GetFillableDeposits)
	e.GET("/getDeals", h.GetDeals)

	e.POST("/executeDeal", h.ExecuteDeal)
}
