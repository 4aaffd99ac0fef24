package reconciler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
)

const defaultStreamBaseURL = "wss://fstream.binance.com/ws"

// ConnState 连接状态
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateOpen         ConnState = "OPEN"
)

var errSessionExpired = errors.New("stream session expired")

// streamConn 推流连接的最小接口，测试用假实现替换
type streamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type dialFunc func(ctx context.Context, url string) (streamConn, error)

func wsDial(ctx context.Context, url string) (streamConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State 返回当前连接状态
func (r *Reconciler) State() ConnState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connState
}

func (r *Reconciler) setState(s ConnState) {
	r.mu.Lock()
	r.connState = s
	r.mu.Unlock()
}

// Run 驱动连接状态机直到 ctx 结束。断开后按封顶指数退避加抖动重连；
// 就绪标志在重连期间保持不变，旧快照继续可读。
func (r *Reconciler) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			r.setState(StateDisconnected)
			return ctx.Err()
		}

		r.setState(StateConnecting)
		opened, err := r.runOnce(ctx)
		r.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened {
			attempt = 0
		}
		attempt++
		if r.cfg.OnReconnect != nil {
			r.cfg.OnReconnect()
		}

		delay := r.reconnectDelay(attempt)
		r.log.Warnf("stream disconnected, reconnecting", map[string]interface{}{
			"error":   errString(err),
			"attempt": attempt,
			"delay":   delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// runOnce 完成一轮 连接→重建→读循环。返回值表示是否进入过 OPEN 状态。
func (r *Reconciler) runOnce(ctx context.Context) (bool, error) {
	listenKey, err := r.client.StartUserStream(ctx)
	if err != nil {
		return false, err
	}

	conn, err := r.dial(ctx, r.cfg.StreamBaseURL+"/"+listenKey)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// 连接已建立：先用 REST 快照打底，推流事件再增量叠加。
	// 重建失败不放弃连接，推流本身仍然有效。
	if err := r.Rehydrate(ctx); err != nil {
		r.log.WithError(err).Warn("rehydration failed, continuing with stream only")
	}

	r.setState(StateOpen)
	r.log.Info("user data stream open")

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if err := r.handleMessage(ctx, data); err != nil {
			return true, err
		}
	}
}

// KeepAlive 续期推流会话。失败只记日志，重连交给流自身的断开事件驱动。
func (r *Reconciler) KeepAlive(ctx context.Context) error {
	if err := r.client.KeepAliveUserStream(ctx); err != nil {
		r.log.WithError(err).Warn("listen key keepalive failed")
		return err
	}
	return nil
}

// reconnectDelay 封顶指数退避，后半段随机抖动避免惊群
func (r *Reconciler) reconnectDelay(attempt int) time.Duration {
	delay := r.cfg.ReconnectBase
	for i := 1; i < attempt && delay < r.cfg.ReconnectMax; i++ {
		delay *= 2
	}
	if delay > r.cfg.ReconnectMax {
		delay = r.cfg.ReconnectMax
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
