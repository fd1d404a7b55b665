// Package dnspool resolves upstream hostnames through a bounded pool of
// DNS clients so that a burst of requests cannot fan out into an unbounded
// number of concurrent lookups.
package dnspool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const (
	// LookupTimeout bounds a single exchange with a resolver.
	LookupTimeout = 2500 * time.Millisecond

	// DefaultSize is the number of pooled clients.
	DefaultSize = 2
)

var (
	// ErrNoAnswer is returned when the resolver answered with no records.
	ErrNoAnswer = errors.New("No answer")

	// ErrNotIP is returned when the answer held no A or AAAA record.
	ErrNotIP = errors.New("Not ipv4/ipv6")
)

// Pool is a fixed-size pool of DNS clients. Each lookup checks out one
// client, races the exchange against LookupTimeout and returns the client
// to the pool. A client is never shared between in-flight lookups.
type Pool struct {
	clients chan *dns.Client
	servers []string
}

// New builds a pool of size clients. When no servers are given the system
// resolver configuration is used.
func New(size int, servers ...string) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if len(servers) == 0 {
		servers = systemServers()
	}
	p := &Pool{
		clients: make(chan *dns.Client, size),
		servers: servers,
	}
	for i := 0; i < size; i++ {
		p.clients <- &dns.Client{Timeout: LookupTimeout}
	}
	return p
}

func systemServers() []string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return []string{"8.8.8.8:53"}
	}
	out := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		out = append(out, net.JoinHostPort(s, cfg.Port))
	}
	return out
}

// Resolve returns the first A or AAAA answer for hostname as a printable
// address. IP literals are returned in canonical printable form without
// consulting the pool.
// A failed lookup is retried at most once.
func (p *Pool) Resolve(ctx context.Context, hostname string) (string, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.String(), nil
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		addr, err := p.lookup(ctx, hostname)
		if err == nil {
			return addr, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (p *Pool) lookup(ctx context.Context, hostname string) (string, error) {
	var client *dns.Client
	select {
	case client = <-p.clients:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { p.clients <- client }()

	lctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()

	lastErr := error(ErrNoAnswer)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(hostname), qtype)
		for _, server := range p.servers {
			in, _, err := client.ExchangeContext(lctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			if in.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("dns rcode %s", dns.RcodeToString[in.Rcode])
				continue
			}
			if len(in.Answer) == 0 {
				lastErr = ErrNoAnswer
				continue
			}
			for _, rr := range in.Answer {
				switch a := rr.(type) {
				case *dns.A:
					return a.A.String(), nil
				case *dns.AAAA:
					return a.AAAA.String(), nil
				}
			}
			lastErr = ErrNotIP
		}
	}
	return "", lastErr
}
