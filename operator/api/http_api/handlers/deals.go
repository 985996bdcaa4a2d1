package handlers

import (
	"fmt"
	"math/big"
	"net/http"

	"github.com/depools/joinmix/ledger"
	. "github.com/depools/joinmix/operator/api/dto"
	cs "github.com/depools/joinmix/operator/api/http_api/context_service"
	req "github.com/depools/joinmix/operator/api/http_api/requests"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
)

func (a *HTTPApp) GetPubKey(c echo.Context) error {
	ctx := c.(*cs.ContextService)

	pubKey, err := a.enclave.PublicKey(ctx.Request().Context())
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, pubKey)
}

func (a *HTTPApp) GetQuorum(c echo.Context) error {
	ctx := c.(*cs.ContextService)

	quorum, err := a.dealService.Quorum(a.canonicalAmountWei)
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, quorum)
}

func (a *HTTPApp) GetFillableDeposits(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	request := &req.FetchFillableForm{}
	if err := ctx.BindToRequest(request); err != nil {
		return err
	}

	formDTO := &FetchFillableDTO{MinAmountWei: big.NewInt(0)}
	if request.MinAmountWei != "" {
		minAmountWei, ok := new(big.Int).SetString(request.MinAmountWei, 10)
		if !ok {
			return ctx.JsonError(http.StatusBadRequest,
				fmt.Errorf("invalid minAmountWei: %q", request.MinAmountWei))
		}
		formDTO.MinAmountWei = minAmountWei
	}

	fillable, err := a.dealService.FetchFillableDeposits(formDTO.MinAmountWei)
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, fillable)
}

func (a *HTTPApp) GetDeals(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	request := &req.DealsForm{}
	if err := ctx.BindToRequest(request); err != nil {
		return err
	}

	status := ledger.DealStatus(request.Status)
	switch status {
	case ledger.DealStatusAny, ledger.DealStatusCreated, ledger.DealStatusExecuted:
	default:
		return ctx.JsonError(http.StatusBadRequest, fmt.Errorf("unknown deal status %q", request.Status))
	}

	deals, err := a.dealService.ListDeals(ctx.Request().Context(), status)
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, deals)
}

// ExecuteDeal retries the confidential execution of a deal that is
// still in Created state, e.g. after an earlier backend failure.
func (a *HTTPApp) ExecuteDeal(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	request := &req.ExecuteDealForm{}
	formDTO := &ExecuteDealDTO{}
	if err := ctx.BindToDTO(request, formDTO); err != nil {
		return err
	}

	dealID := common.HexToHash(formDTO.DealID)
	created, err := a.dealService.ListDeals(ctx.Request().Context(), ledger.DealStatusCreated)
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}

	for _, pending := range created {
		if pending.DealID == dealID {
			executed, err := a.dealService.ExecuteDeal(ctx.Request().Context(), pending)
			if err != nil {
				return ctx.JsonError(http.StatusInternalServerError, err)
			}
			return ctx.Json(http.StatusOK, executed)
		}
	}

	return ctx.JsonError(http.StatusNotFound, fmt.Errorf("no Created deal with id %s", formDTO.DealID))
}
