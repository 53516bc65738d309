//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package proxy

import "net"

// peerClosed 在不支持 MSG_PEEK 的平台上不做检查，断开只能在下一次写入时发现。
func peerClosed(net.Conn) bool {
	return false
}
