package dnspool

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startResolver runs a stub DNS server on a loopback UDP port and returns
// its address.
func startResolver(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func answerA(w dns.ResponseWriter, r *dns.Msg, ip string) {
	m := new(dns.Msg)
	m.SetReply(r)
	if r.Question[0].Qtype == dns.TypeA {
		rr, err := dns.NewRR(r.Question[0].Name + " 60 IN A " + ip)
		if err == nil {
			m.Answer = append(m.Answer, rr)
		}
	}
	_ = w.WriteMsg(m)
}

func TestResolveReturnsARecord(t *testing.T) {
	addr := startResolver(t, func(w dns.ResponseWriter, r *dns.Msg) {
		answerA(w, r, "93.184.216.34")
	})
	p := New(1, addr)

	got, err := p.Resolve(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "93.184.216.34" {
		t.Fatalf("resolved %q", got)
	}
}

func TestResolveIPLiteralBypassesResolver(t *testing.T) {
	// the pool points at a dead address, so any lookup would fail
	p := New(1, "127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, lit := range []string{"192.168.1.7", "2001:db8::1"} {
		got, err := p.Resolve(ctx, lit)
		if err != nil {
			t.Fatalf("resolve %q: %v", lit, err)
		}
		want := net.ParseIP(lit).String()
		if got != want {
			t.Fatalf("resolve %q = %q, want %q", lit, got, want)
		}
	}
}

func TestResolveRetriesAfterServerFailure(t *testing.T) {
	var calls atomic.Int64
	addr := startResolver(t, func(w dns.ResponseWriter, r *dns.Msg) {
		// fail the whole first attempt (A and AAAA), succeed after
		if calls.Add(1) <= 2 {
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeServerFailure)
			_ = w.WriteMsg(m)
			return
		}
		answerA(w, r, "10.0.0.5")
	})
	p := New(1, addr)

	got, err := p.Resolve(context.Background(), "flaky.test")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "10.0.0.5" {
		t.Fatalf("resolved %q", got)
	}
	if n := calls.Load(); n < 3 {
		t.Fatalf("resolver saw %d queries, want at least 3", n)
	}
}

func TestResolveNoAnswer(t *testing.T) {
	addr := startResolver(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		_ = w.WriteMsg(m)
	})
	p := New(1, addr)

	_, err := p.Resolve(context.Background(), "empty.test")
	if !errors.Is(err, ErrNoAnswer) {
		t.Fatalf("err = %v, want ErrNoAnswer", err)
	}
}

func TestResolveAnswerWithoutAddress(t *testing.T) {
	addr := startResolver(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, err := dns.NewRR(r.Question[0].Name + " 60 IN CNAME alias.test.")
		if err == nil {
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})
	p := New(1, addr)

	_, err := p.Resolve(context.Background(), "cname-only.test")
	if !errors.Is(err, ErrNotIP) {
		t.Fatalf("err = %v, want ErrNotIP", err)
	}
}

func TestResolveHonoursContextCancellation(t *testing.T) {
	p := New(1, "127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Resolve(ctx, "example.com")
	if err == nil {
		t.Fatal("resolve succeeded with cancelled context")
	}
}
