package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"tradeledger/cmd/tradeledger"
	"tradeledger/conf"
	"tradeledger/pkg/logger"
)

func main() {
	configPath := flag.String("config", "conf/config.yaml", "path to the yaml config")
	flag.Parse()

	// 加载配置文件
	err := conf.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	appCfg := conf.AppConfig
	logger.InitLogger(&appCfg.Log, appCfg.AppName)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, cleanup, err := api.InitPipeline(ctx, &appCfg)
	if err != nil {
		logger.Fatal("init pipeline failed", logger.Pair("err", err.Error()))
	}

	// 创建并启动服务
	srv := api.NewServer(&appCfg)
	g, gctx := errgroup.WithContext(ctx)
	if pipeline != nil {
		g.Go(func() error { return pipeline.Run(gctx) })
	}
	g.Go(func() error { return srv.Run(gctx, api.InitRouter(pipeline)) })

	err = g.Wait()
	if cerr := cleanup(); cerr != nil {
		logger.Error("cleanup failed", logger.Pair("err", cerr.Error()))
	}
	if err != nil {
		logger.Fatal("tradeledger stopped", logger.Pair("err", err.Error()))
	}
	logger.Info("tradeledger stopped")
}
