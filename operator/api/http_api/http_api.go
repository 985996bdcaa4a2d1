package http_api

import (
	"context"
	"fmt"
	"math/big"

	"github.com/depools/joinmix/enclave"
	"github.com/depools/joinmix/operator/api/http_api/router"
	"github.com/depools/joinmix/operator/config"
	"github.com/depools/joinmix/operator/services/deal"

	"github.com/labstack/echo/v4"
	echo_middleware "github.com/labstack/echo/v4/middleware"
)

type RESTApiProvider struct {
	config       *config.HttpApiConfig
	echoInstance *echo.Echo
}

func (p *RESTApiProvider) NewServer(
	conf *config.Config,
	dealService deal.DealService,
	encl enclave.Enclave,
	canonicalAmountWei *big.Int,
) error {
	p.config = conf.HttpApiConfig

	p.echoInstance = echo.New()

	p.echoInstance.HideBanner = true
	p.echoInstance.Debug = p.config.Debug

	p.echoInstance.HTTPErrorHandler = customHTTPErrorHandler

	// Middlewares

	p.echoInstance.Use(echo_middleware.Logger())

	p.echoInstance.Use(contextServiceMiddleware)

	router.SetRouter(p.echoInstance, dealService, encl, canonicalAmountWei)

	return nil
}

func (p *RESTApiProvider) Start() error {
	return p.echoInstance.Start(fmt.Sprintf("%s:%d", p.config.Host, p.config.Port))
}

func (p *RESTApiProvider) Stop(ctx context.Context) error {
	return p.echoInstance.Shutdown(ctx)
}
