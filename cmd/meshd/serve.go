package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hewenyu/service-mesh/internal/apihandler"
	"github.com/hewenyu/service-mesh/internal/bridge"
	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/dnsserver"
	"github.com/hewenyu/service-mesh/internal/health"
	"github.com/hewenyu/service-mesh/internal/mesh"
	"github.com/hewenyu/service-mesh/internal/metrics"
	"github.com/hewenyu/service-mesh/internal/mirror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "启动服务网格",
	GroupID: "server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		if zl, ok := logger.(*config.ZapLogger); ok {
			defer func() { _ = zl.Sync() }()
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

// serve 启动所有组件并阻塞到ctx结束，然后按启动的相反顺序关闭
func serve(ctx context.Context, cfg *config.Config, logger config.Logger) error {
	logger.Info("Service Mesh Starting...",
		zap.String("version", version),
		zap.Int("api_port", cfg.Server.Port),
		zap.Bool("dns", cfg.DNS.Enabled),
		zap.Bool("etcd", cfg.Etcd.Enabled),
		zap.Bool("nats", cfg.NATS.Enabled),
	)

	m := mesh.New(cfg, logger, metrics.New())
	defer m.Close()

	// etcd镜像需要在注册配置中的服务之前挂载，保证不漏掉注册事件
	if cfg.Etcd.Enabled {
		client, err := mirror.Connect(cfg, logger)
		if err != nil {
			return err
		}
		defer client.Close()

		mir := mirror.New(client, cfg.Etcd.Prefix, m.Registry, logger)
		if err := mir.Sync(ctx, m.Registry.ListAll()); err != nil {
			return fmt.Errorf("同步etcd镜像失败: %w", err)
		}
		defer mir.Attach(m.Bus)()

		mirrorCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			mir.Run(mirrorCtx)
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	if cfg.NATS.Enabled {
		conn, err := bridge.Connect(cfg.NATS.URL, cfg.NATS.Name, logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		b := bridge.New(conn, cfg.NATS.SubjectPrefix, m.Bus, logger)
		if err := b.Start(); err != nil {
			return err
		}
		defer b.Stop()
	}

	if err := m.Bootstrap(); err != nil {
		return err
	}

	if cfg.Health.Interval > 0 {
		scheduler := health.NewScheduler(m.Monitor, cfg.Health.Interval, logger)
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	if cfg.DNS.Enabled {
		dnsServer := dnsserver.NewServer(cfg, m.Registry, logger)
		if err := dnsServer.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = dnsServer.Shutdown(shutdownCtx)
		}()
	}

	api := apihandler.NewAPIHandler(cfg, logger, m)
	if err := api.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return api.Shutdown(shutdownCtx)
}
