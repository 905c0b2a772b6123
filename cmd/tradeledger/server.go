package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradeledger/conf"
	"tradeledger/pkg/logger"
)

// Router 加载路由，使用侧提供接口，实现侧需要实现该接口
type Router interface {
	Load(engine *gin.Engine)
}

type Server struct {
	config *conf.Config
}

func NewServer(c *conf.Config) *Server {
	return &Server{
		config: c,
	}
}

// Run 启动 http 服务，ctx 结束后优雅关闭
func (s *Server) Run(ctx context.Context, rs ...Router) error {
	// 设置gin启动模式，必须在创建gin实例之前
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	s.routerLoad(g, rs...)

	// health check
	go func() {
		if err := Ping(ctx, s.config.Listen, s.config.MaxPingCount); err != nil {
			if ctx.Err() == nil {
				logger.Error("server no response", logger.Pair("err", err.Error()))
			}
			return
		}
		logger.Infof("server started success! port: %s", s.config.Listen)
	}()

	srv := http.Server{
		Addr:              s.config.Listen,
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server start failed on port %s: %w", s.config.Listen, err)
		}
		return nil
	case <-ctx.Done():
	}

	// graceful shutdown
	logger.Infof("server shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Errorf("server shutdown err %v", err)
	}
	logger.Infof("server stop on port %s", s.config.Listen)
	return nil
}

// RouterLoad 加载自定义路由
func (s *Server) routerLoad(g *gin.Engine, rs ...Router) *Server {
	for _, r := range rs {
		r.Load(g)
	}
	return s
}

// Ping 用来检查是否程序正常启动
func Ping(ctx context.Context, port string, maxCount int) error {
	if len(port) == 0 {
		return errors.New("please specify the service port")
	}
	if idx := strings.LastIndex(port, ":"); idx >= 0 {
		port = port[idx:]
	} else {
		port = ":" + port
	}
	url := fmt.Sprintf("http://localhost%s/ping", port)
	for i := 1; i <= maxCount; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		logger.Infof("等待服务在线, 已等待 %d 秒，最多等待 %d 秒", i, maxCount)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("服务启动失败，端口 %s", port)
}
