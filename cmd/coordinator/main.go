// Command coordinator is the saga coordinator's entrypoint (spec §6): it
// wires configuration, persistence, the event bus, the circuit breaker
// registry, and the saga executor into a gin HTTP server, then serves until
// a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiebiao/tracseq-core/internal/config"
	"github.com/xiebiao/tracseq-core/internal/httpapi"
	"github.com/xiebiao/tracseq-core/internal/labworkflow"
	"github.com/xiebiao/tracseq-core/internal/persistence"
	"github.com/xiebiao/tracseq-core/pkg/circuitbreaker"
	"github.com/xiebiao/tracseq-core/pkg/circuitbreaker/httpfacade"
	"github.com/xiebiao/tracseq-core/pkg/eventbus"
	"github.com/xiebiao/tracseq-core/pkg/metrics"
	"github.com/xiebiao/tracseq-core/pkg/sagacore"
	"github.com/xiebiao/tracseq-core/pkg/tracing"

	"github.com/gin-gonic/gin"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("coordinator: unrecovered panic: %v", r)
			os.Exit(2)
		}
	}()

	// 步骤1: 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Printf("coordinator: load config: %v", err)
		os.Exit(1)
	}

	fmt.Printf("starting tracseq-coordinator on %s:%d\n", cfg.Server.Host, cfg.Server.Port)

	// 步骤2: 初始化指标
	metrics.InitMetrics()

	// 步骤3: 可选的分布式追踪
	var shutdownTracer func(context.Context) error
	if cfg.Tracing.CollectorURL != "" {
		shutdownTracer, err = tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.CollectorURL)
		if err != nil {
			log.Printf("coordinator: init tracer: %v", err)
			os.Exit(1)
		}
	}

	// 步骤4: 打开数据库连接（自动迁移saga五张表）
	db, err := persistence.NewDB(cfg)
	if err != nil {
		log.Printf("coordinator: connect database: %v", err)
		os.Exit(1)
	}

	// 步骤5: 连接Redis（事件总线后端）
	redisClient, err := persistence.NewRedisClient(cfg)
	if err != nil {
		log.Printf("coordinator: connect redis: %v", err)
		os.Exit(1)
	}

	// 步骤6: 注册熔断器
	breakers := circuitbreaker.Default
	for dep, breakerCfg := range cfg.Breakers {
		breakers.Register(dep, breakerCfg)
	}

	// 步骤7: 构建事件总线
	bus := eventbus.New(redisClient, eventbus.Config{
		DeadLetterThreshold: int64(cfg.EventBus.DeadLetterThreshold),
		ReclaimInterval:     cfg.EventBus.ReclaimInterval,
	})

	// 步骤8: 构建saga执行器，注册已知的saga定义
	store := persistence.NewStore(db)
	executor := sagacore.NewExecutor(store, bus, cfg.Server.Host, sagacore.RecoveryResume)
	executor.SetTxRunner(persistence.NewTxManager(db))

	deps := &labworkflow.HTTPDependencies{
		SampleService:     httpfacade.New(breakers, "sample-service", cfg.Services.SampleServiceURL, breakerConfigFor(cfg, "sample_service")),
		StorageService:    httpfacade.New(breakers, "storage-service", cfg.Services.StorageServiceURL, breakerConfigFor(cfg, "storage_service")),
		SequencingService: httpfacade.New(breakers, "sequencing-service", cfg.Services.SequencingServiceURL, breakerConfigFor(cfg, "sequencing_service")),
		Bus:               bus,
		Source:            "tracseq-coordinator",
	}
	executor.RegisterDefinition(labworkflow.SagaName, labworkflow.Definition(deps))

	// 步骤9: 恢复进程重启前遗留的未完成saga
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := executor.Recover(ctx); err != nil {
		log.Printf("coordinator: recover in-flight sagas: %v", err)
	}

	// 步骤10: 设置Gin模式，构建HTTP服务器
	gin.SetMode(cfg.Server.Mode)
	server := httpapi.New(ctx, executor, bus, db, redisClient, breakers)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 步骤11: 启动HTTP服务器（goroutine）
	go func() {
		log.Printf("coordinator: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("coordinator: http server: %v", err)
			os.Exit(1)
		}
	}()

	// 步骤12: 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("coordinator: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("coordinator: forced shutdown: %v", err)
	}
	if shutdownTracer != nil {
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Printf("coordinator: shutdown tracer: %v", err)
		}
	}

	log.Println("coordinator: stopped")
}

// breakerConfigFor returns the CB_<DEP>_* override for dep, or the package
// default if no override was supplied.
func breakerConfigFor(cfg *config.Config, dep string) circuitbreaker.Config {
	if override, ok := cfg.Breakers[dep]; ok {
		return override
	}
	return circuitbreaker.DefaultConfig()
}
