package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"unichat/internal/api"
	"unichat/internal/auth"
	"unichat/internal/redis"
	"unichat/internal/service/ai"
	"unichat/internal/service/assistant"
	"unichat/internal/storage"
	"unichat/internal/worker"
)

const shutdownTimeout = 5 * time.Second

var (
	gatewayAddr   string
	gatewayDBType string
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve the REST and websocket chat endpoints",
	Long: `Starts the reference gateway: account and conversation REST endpoints,
uploads, and the /ws/chat streaming endpoint backed by the configured
model providers. Storage is sqlite3 unless --db (env UNICHAT_DB) says mysql.`,
	RunE: runGateway,
}

func init() {
	dbType := os.Getenv("UNICHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	gatewayCmd.Flags().StringVar(&gatewayAddr, "addr", "", "listen address (overrides basic_config.server_address)")
	gatewayCmd.Flags().StringVar(&gatewayDBType, "db", dbType, "database driver: sqlite3 or mysql (env UNICHAT_DB)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.With(zap.String("component", "gateway"))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(gatewayDBType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, gatewayDBType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()
	if rdb == nil {
		log.Info("redis not configured, history cache stays in-process")
	}

	basic := cfg.BasicConfig
	assistantService := assistant.NewService(db, basic.SignupCredits)
	assistantService.StartUploadCleaner(ctx, basic.UploadCleanIntervalDuration(), logger)
	authService := auth.NewService(db, rdb, basic.TokenTTLDuration())

	tools, err := ai.NewTools(ctx, cfg.WebSearch, logger)
	if err != nil {
		return fmt.Errorf("init web search tools: %w", err)
	}
	aiService, err := ai.NewService(ctx, cfg, logger, ai.WithTools(tools))
	if err != nil {
		return fmt.Errorf("init ai service: %w", err)
	}

	manager := worker.NewManager(assistantService, aiService, worker.Options{
		MinWorkers:         basic.MinWorkers,
		MaxWorkers:         basic.MaxWorkers,
		QueueSize:          basic.QueueSize,
		IdleTimeout:        basic.WorkerIdleDuration(),
		TurnCost:           basic.TurnCost,
		LowCreditThreshold: basic.LowCreditThreshold,
		Cache:              rdb,
		Logger:             logger,
	})
	defer manager.Close()

	handler := api.NewHandler(assistantService, authService, manager, aiService, basic.FileBaseDir, basic.UploadTTLDuration(), logger)
	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	handler.RegisterRoutes(router)

	addr := gatewayAddr
	if addr == "" {
		addr = basic.ServerAddress
	}
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	log.Info("listening", zap.String("addr", addr), zap.String("db", gatewayDBType), zap.Strings("models", aiService.Models()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}
