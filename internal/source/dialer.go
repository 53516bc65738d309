package source

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Resolver 抽象域名解析，*net.Resolver 即满足该接口。
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Dialer 在独立 goroutine 中解析域名并施加 DNSTimeout，
// 不依赖系统解析器自身是否尊重 context 取消。
type Dialer struct {
	Resolver       Resolver
	DNSTimeout     time.Duration
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// DialContext 满足 http.Transport.DialContext 签名。
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if net.ParseIP(host) != nil {
		return d.dial(ctx, network, address)
	}

	addrs, err := d.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, addr := range addrs {
		conn, err := d.dial(ctx, network, net.JoinHostPort(addr.IP.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (d *Dialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.ConnectTimeout, KeepAlive: d.KeepAlive}
	return dialer.DialContext(ctx, network, address)
}

type lookupResult struct {
	addrs []net.IPAddr
	err   error
}

func (d *Dialer) lookup(ctx context.Context, host string) ([]net.IPAddr, error) {
	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	timeout := d.DNSTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan lookupResult, 1)
	go func() {
		addrs, err := resolver.LookupIPAddr(lookupCtx, host)
		done <- lookupResult{addrs: addrs, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnknownHost, host, res.err)
		}
		if len(res.addrs) == 0 {
			return nil, fmt.Errorf("%w: %s has no addresses", ErrUnknownHost, host)
		}
		return res.addrs, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: resolving %s timed out after %s", ErrUnknownHost, host, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
