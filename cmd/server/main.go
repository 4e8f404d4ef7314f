// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"chat-relay/internal/config"
	"chat-relay/internal/handler"
	"chat-relay/internal/pipeline"
	"chat-relay/internal/repository"
	"chat-relay/internal/service"
	"chat-relay/pkg/database"
	"chat-relay/pkg/kafka"
	"chat-relay/pkg/llm"
	"chat-relay/pkg/log"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 可选的 Redis 镜像与 MySQL 归档
	var mirror repository.ConversationRepository
	if cfg.Database.Redis.Enabled {
		database.InitRedis(cfg.Database.Redis)
		defer database.CloseRedis()
		mirror = repository.NewConversationRepository(database.RDB, cfg.Database.Redis.TTL, cfg.Chat.MaxMessages)
	}
	var archive repository.ExchangeRepository
	if cfg.Database.MySQL.Enabled {
		database.InitMySQL(cfg.Database.MySQL.DSN)
		defer database.CloseMySQL()
		archive = repository.NewExchangeRepository(database.DB)
	}

	// 4. 内存会话存储
	store := repository.NewMemoryConversationStore(repository.StoreLimits{
		MaxConversations: cfg.Chat.MaxConversations,
		MaxMessages:      cfg.Chat.MaxMessages,
		IdleTTL:          cfg.Chat.IdleTTL,
	})
	store.StartEvictionLoop(ctx, cfg.Chat.EvictionInterval)

	// 5. 初始化 Service (依赖注入)
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Fatal("LLM 客户端初始化失败", err)
	}
	var publisher service.ExchangePublisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka)
		publisher = producer
	}

	history := service.NewConversationHistory(store, mirror)
	registry := service.NewSessionRegistry(cfg.Chat.BroadcastMode, cfg.Chat.MaxConnections)
	chatService := service.NewChatService(history, registry, llmClient, publisher, service.OptionsFromConfig(cfg))
	conversationService := service.NewConversationService(history, archive)
	healthService := service.NewHealthService(registry, history, llmClient.Name())

	// 6. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	realtime := handler.NewRealtimeHandler(chatService, registry)
	r := handler.NewRouter(handler.Handlers{
		Chat:         handler.NewChatHandler(chatService),
		Conversation: handler.NewConversationHandler(conversationService),
		Health:       handler.NewHealthHandler(healthService),
		Realtime:     realtime,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("服务启动于 %s，模型提供方: %s", srv.Addr, llmClient.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务监听失败: %w", err)
		}
		return nil
	})

	// 7. 启动后台 Kafka 消费者，把问答写入 MySQL
	if cfg.Kafka.Enabled && archive != nil {
		processor := pipeline.NewProcessor(archive)
		g.Go(func() error {
			return kafka.StartConsumer(gctx, cfg.Kafka, processor)
		})
	}

	// 等待中断信号或任一组件失败
	g.Go(func() error {
		<-gctx.Done()
		log.Info("接收到停机信号，正在关闭服务...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP 服务器关闭失败: %w", err)
		}
		// WebSocket 连接已被接管，不受 srv.Shutdown 管理，需要单独关闭
		if err := realtime.Shutdown(shutdownCtx); err != nil {
			log.Warnw("等待 WebSocket 连接关闭超时", "error", err)
		}
		// 生产者关闭前等待尚未完成的归档发布
		if err := chatService.Drain(shutdownCtx); err != nil {
			log.Warnw("等待归档发布超时", "error", err)
		}
		if producer != nil {
			if err := producer.Close(); err != nil {
				log.Errorf("关闭 Kafka 生产者失败: %v", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorf("服务异常退出: %v", err)
		return
	}
	log.Info("服务已优雅关闭")
}
