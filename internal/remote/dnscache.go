package remote

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultDNSCacheTTL = 5 * time.Minute

// cachingDialer dials through an rs/dnscache resolver that is refreshed on
// a fixed interval until stopped.
type cachingDialer struct {
	resolver *dnscache.Resolver
	dialer   *net.Dialer
	stop     chan struct{}
	stopOnce sync.Once
}

func newCachingDialer(ttl time.Duration) *cachingDialer {
	if ttl <= 0 {
		ttl = defaultDNSCacheTTL
	}

	d := &cachingDialer{
		resolver: &dnscache.Resolver{},
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		stop: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(ttl)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.resolver.Refresh(true)
				log.Debug().Dur("ttl", ttl).Msg("DNS cache refreshed")
			case <-d.stop:
				return
			}
		}
	}()

	return d
}

// DialContext resolves host through the cache and dials the first address.
func (d *cachingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip != nil {
		return d.dialer.DialContext(ctx, network, address)
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{
			Err:  "no IP addresses found",
			Name: host,
		}
	}

	return d.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

func (d *cachingDialer) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}
