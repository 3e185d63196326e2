package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// SendHeartbeat 发送心跳，只刷新最近可见时间，不改变健康检查得出的状态，也不产生事件。
// 网格返回404（例如网格重启或服务被注销）时重新注册。
func (c *Client) SendHeartbeat(ctx context.Context) error {
	if !c.IsRegistered() {
		return fmt.Errorf("服务尚未注册")
	}

	path := "/services/" + url.PathEscape(c.config.ServiceID) + "/heartbeat"
	err := c.doRequest(ctx, http.MethodPut, path, nil, nil)
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return fmt.Errorf("发送心跳失败: %w", err)
	}

	c.logger.Info("网格中没有本服务，重新注册", zap.String("service_id", c.config.ServiceID))
	if _, err := c.Register(ctx); err != nil {
		return fmt.Errorf("重新注册失败: %w", err)
	}
	return nil
}

// StartHeartbeat 开始心跳任务
func (c *Client) StartHeartbeat() {
	// 停止已有心跳任务
	c.StopHeartbeat()

	c.mu.Lock()
	stop := make(chan struct{})
	stopped := make(chan struct{})
	c.stopChan = stop
	c.stopped = stopped
	c.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
				if err := c.SendHeartbeat(ctx); err != nil {
					c.logger.Warn("心跳发送失败，将在下一个周期重试", zap.Error(err))
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳任务并等待其退出，可重复调用
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	stop, stopped := c.stopChan, c.stopped
	c.stopChan, c.stopped = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-stopped
	}
}

// Close 停止心跳，已注册时注销服务
func (c *Client) Close(ctx context.Context) error {
	c.StopHeartbeat()

	if c.IsRegistered() {
		if err := c.Deregister(ctx); err != nil {
			return fmt.Errorf("注销服务失败: %w", err)
		}
	}
	return nil
}
