// Package httpapi is the coordinator's HTTP surface (spec §6): start,
// query, pause, resume, and cancel sagas; publish events and register
// webhook subscriptions; health, metrics, and stats endpoints for
// operators.
package httpapi

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/gorm"

	"github.com/xiebiao/tracseq-core/pkg/circuitbreaker"
	"github.com/xiebiao/tracseq-core/pkg/eventbus"
	"github.com/xiebiao/tracseq-core/pkg/sagacore"
)

// Server holds every dependency a handler needs. Handlers are methods on
// *Server so they share these without a context-value lookup per request.
type Server struct {
	executor *sagacore.Executor
	bus      *eventbus.Bus
	db       *gorm.DB
	redis    *redis.Client
	breakers *circuitbreaker.Registry
	logger   *log.Logger

	// ctx is the process lifetime context, used for work that must outlive
	// the HTTP request that started it — most notably a webhook
	// subscription's delivery goroutine, which runs long after the POST
	// /events/subscribe response has been sent.
	ctx context.Context

	router *gin.Engine
}

// New builds the coordinator's gin router wired to the given dependencies.
func New(ctx context.Context, executor *sagacore.Executor, bus *eventbus.Bus, db *gorm.DB, redisClient *redis.Client, breakers *circuitbreaker.Registry) *Server {
	s := &Server{
		executor: executor,
		bus:      bus,
		db:       db,
		redis:    redisClient,
		breakers: breakers,
		logger:   log.Default(),
		ctx:      ctx,
	}

	r := gin.New()
	r.Use(requestLogger(), gin.Recovery())

	r.GET("/health", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/stats", s.statsHandler)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	txs := r.Group("/transactions")
	{
		txs.POST("", s.createTransactionHandler)
		txs.GET("/:id", s.getTransactionHandler)
		txs.POST("/:id/pause", s.pauseTransactionHandler)
		txs.POST("/:id/resume", s.resumeTransactionHandler)
		txs.POST("/:id/cancel", s.cancelTransactionHandler)
	}

	events := r.Group("/events")
	{
		events.POST("/publish", s.publishEventHandler)
		events.POST("/subscribe", s.subscribeEventsHandler)
	}

	s.router = r
	return s
}

// Handler returns the underlying gin engine for http.Server.Handler.
func (s *Server) Handler() *gin.Engine { return s.router }
