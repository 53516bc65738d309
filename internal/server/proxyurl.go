package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidOrigin 表示请求路径无法还原为合法的源站 URL。
var ErrInvalidOrigin = errors.New("invalid origin url")

// ProxyURL 将源站 URL 映射为本地代理地址：http://host:port/<QueryEscape(origin)>。
func ProxyURL(host string, port int, origin string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/" + url.QueryEscape(origin)
}

// OriginFromPath 是 ProxyURL 的逆映射，只接受 http/https 绝对地址。
func OriginFromPath(rawPath string) (string, error) {
	escaped := strings.TrimPrefix(rawPath, "/")
	if escaped == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidOrigin)
	}
	origin, err := url.QueryUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if err := ValidateOrigin(origin); err != nil {
		return "", err
	}
	return origin, nil
}

// ValidateOrigin 校验源站 URL 为带主机名的 http/https 绝对地址。
func ValidateOrigin(origin string) error {
	parsed, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOrigin, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidOrigin)
	}
	return nil
}
