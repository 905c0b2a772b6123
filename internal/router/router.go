package router

import (
	"github.com/gin-gonic/gin"

	"tradeledger/internal/handler/ping"
	"tradeledger/internal/handler/status"
	"tradeledger/internal/middleware"
)

type ApiRouter struct {
	statusHandler *status.Handler
}

func NewApiRouter(sh *status.Handler) *ApiRouter {
	return &ApiRouter{statusHandler: sh}
}

func (api *ApiRouter) Load(g *gin.Engine) {
	g.Use(gin.Recovery(), middleware.RequestId(), middleware.Logger, middleware.Secure())

	// 健康检查
	g.GET("/ping", ping.Ping())

	base := g.Group("/api/v1")

	l := base.Group("/ledger", middleware.NoCache())
	{
		// 调度状态、水位、最近一次对账
		l.GET("/status", api.statusHandler.LedgerStatusGet())
	}
}
