// Package server exposes the HTTP query API, the live WebSocket feed and the
// admin start action.
package server

import (
	"context"
	"net/http"
	"time"

	"swapkline/internal/broadcast"
	"swapkline/internal/ingest"
	"swapkline/internal/kline"
	"swapkline/internal/query"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	ServiceName    = "swap-kline"
	requestTimeout = 30 * time.Second
)

type KlineService interface {
	GetKline(ctx context.Context, req query.Request) (query.Response, error)
}

// Hub is the live subscription registry.
type Hub interface {
	Connect(id string) *broadcast.Conn
	Subscribe(id string, pair kline.Pair, interval kline.Interval) error
	Unsubscribe(id string, pair kline.Pair, interval kline.Interval)
	DropConnection(id string)
}

type Resolver interface {
	Resolve(token0, token1 string) (pair kline.Pair, reversed bool, ok bool)
}

// Runner is the ingestion lifecycle.
type Runner interface {
	Start(ctx context.Context) (bool, error)
	State() ingest.State
}

type Server struct {
	klines    KlineService
	hub       Hub
	resolver  Resolver
	runner    Runner
	intervals map[kline.Interval]struct{}
	validate  *validator.Validate
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func New(klines KlineService, hub Hub, resolver Resolver, runner Runner, intervals []kline.Interval, logger *zap.Logger) *Server {
	enabled := make(map[kline.Interval]struct{}, len(intervals))
	for _, iv := range intervals {
		enabled[iv] = struct{}{}
	}
	return &Server{
		klines:    klines,
		hub:       hub,
		resolver:  resolver,
		runner:    runner,
		intervals: enabled,
		validate:  validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Named("server"),
	}
}

// Routes builds the gin engine.
func (s *Server) Routes() *gin.Engine {
	router := gin.New()

	router.Use(requestIDMiddleware())
	router.Use(loggerMiddleware(s.logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/kline/token0/:token0/token1/:token1/start_at/:start_at/end_at/:end_at/interval/:interval", s.GetKline)
	router.GET("/ws", s.ServeWS)
	router.POST("/run/ticker", s.RunTicker)
	router.GET("/health", s.HealthCheck)

	return router
}
