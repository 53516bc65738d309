package proxy

import (
	"context"
	"net"
	"time"
)

// peerCheckInterval 是等待数据期间检查客户端连接是否已断开的间隔。
var peerCheckInterval = 200 * time.Millisecond

// watchPeer 在 ctx 结束前周期性检查 conn，发现对端关闭时调用 cancel，
// 使阻塞在引擎上的读取立即返回。
func watchPeer(ctx context.Context, conn net.Conn, cancel context.CancelFunc) {
	if conn == nil {
		return
	}
	ticker := time.NewTicker(peerCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if peerClosed(conn) {
				cancel()
				return
			}
		}
	}
}
