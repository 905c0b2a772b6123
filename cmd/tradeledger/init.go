package api

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"tradeledger/conf"
	"tradeledger/internal/dao/query"
	"tradeledger/internal/handler/status"
	"tradeledger/internal/router"
	"tradeledger/internal/service"
	"tradeledger/internal/venue"
	"tradeledger/pkg/cache"
	"tradeledger/pkg/db"
	"tradeledger/pkg/kafka"
	"tradeledger/pkg/logger"
	"tradeledger/pkg/recorder"
	"tradeledger/pkg/venue/rest"
	"tradeledger/pkg/venue/stream"
)

// InitPipeline 组装台账同步流水线；同步关闭时返回 nil。
// 返回的 cleanup 在流水线退出后调用，释放数据库、redis 与 kafka 连接。
func InitPipeline(ctx context.Context, cfg *conf.Config) (p *service.Pipeline, cleanup func() error, err error) {
	var closers []func() error
	cleanup = func() error {
		var errs error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = multierr.Append(errs, closers[i]())
		}
		return errs
	}
	defer func() {
		if err != nil {
			_ = cleanup()
		}
	}()

	t := cfg.Trades
	if !t.SyncEnabled {
		logger.Warn("trade sync disabled, only the status server will run")
		return nil, cleanup, nil
	}

	// 初始化数据库
	datasource, err := db.Init(db.NewConfig(cfg.Db))
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, db.Close)
	store := query.NewLedgerDao(datasource, t.TableName)
	if err := store.Migrate(ctx); err != nil {
		return nil, cleanup, err
	}

	restCli, err := rest.NewClient(cfg.Venue.RestURL, cfg.Venue.User, cfg.Venue.Password)
	if err != nil {
		return nil, cleanup, fmt.Errorf("venue rest client: %w", err)
	}

	var push venue.Subscriber
	if t.RealtimeEnabled {
		switch t.PushTransport {
		case conf.PushTransportKafka:
			push = kafka.NewReportConsumer(cfg.Kafka.Broker, cfg.Kafka.ReportTopic, cfg.Kafka.ReportGroup)
		default:
			ws, err := stream.NewClient(cfg.Venue.WsURL, t.Account, restCli.Token)
			if err != nil {
				return nil, cleanup, fmt.Errorf("venue websocket client: %w", err)
			}
			push = ws
		}
		logger.Info("realtime enabled", logger.Pair("transport", t.PushTransport))
	}
	src := venue.Compose(push, restCli)

	var opts []service.WorkerOption
	if t.JournalPath != "" {
		opts = append(opts, service.WithJournal(recorder.NewJSONFileRecorder(t.JournalPath)))
	}

	// 多实例部署时用 redis 租约保证单写者
	if cfg.Redis.Addr != "" {
		if err := cache.InitRedis(ctx, cfg.Redis); err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() error { cache.CloseRedis(); return nil })
		ttl := time.Duration(cfg.Redis.LeaseTTL) * time.Second
		opts = append(opts, service.WithLease(cache.NewLease(cache.GetRedisClient(), t.TableName, ttl)))
	}

	if cfg.Kafka.Broker != "" && cfg.Kafka.ChangesTopic != "" {
		producer := kafka.NewChangeProducer(cfg.Kafka.Broker, cfg.Kafka.ChangesTopic)
		closers = append(closers, producer.Close)
		opts = append(opts, service.WithPublisher(producer))
	}

	return service.NewPipeline(t, src, store, opts...), cleanup, nil
}

func InitRouter(p *service.Pipeline) Router {
	var provider status.Provider
	if p != nil {
		provider = p
	}
	return router.NewApiRouter(status.NewHandler(provider))
}
