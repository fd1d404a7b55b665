// Package usecase contains the request lifecycle engine: the per-request
// state machine that admits, dispatches and measures every proxied
// exchange and schedules its datapoint for egress.
package usecase

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sonicaghi/HARchiver/internal/adapters/dnspool"
	"github.com/sonicaghi/HARchiver/internal/adapters/egress"
	"github.com/sonicaghi/HARchiver/internal/domain"
	"github.com/sonicaghi/HARchiver/internal/har"
	"github.com/sonicaghi/HARchiver/internal/infrastructure/observability"
	"github.com/sonicaghi/HARchiver/pkg/shared/gate"
	"github.com/sonicaghi/HARchiver/pkg/shared/redact"
)

// resolveBudget bounds the per-request address resolution goroutine: two
// pool lookups plus checkout slack. It only delays the datapoint, never
// the client response.
const resolveBudget = 10 * time.Second

// Engine drives each proxied exchange through admission, token
// resolution, upstream dispatch and datapoint emission. All collaborators
// are injected so tests can substitute fakes; exactly one Engine is shared
// by the HTTP and HTTPS front ends.
type Engine struct {
	Gate    *gate.Gate
	DNS     *dnspool.Pool
	Egress  *egress.Channel
	Client  *http.Client
	Logger  *zerolog.Logger
	Metrics *observability.Metrics

	DefaultToken string
	CallTimeout  time.Duration
	Debug        bool
}

// Proxy handles one absolute-URI request end to end. The router guarantees
// r.URL carries scheme and host.
func (e *Engine) Proxy(w http.ResponseWriter, r *http.Request) {
	t0 := time.Now()
	cw := &captureWriter{ResponseWriter: w}
	ex := &domain.Exchange{
		ID:        uuid.NewString(),
		Method:    r.Method,
		URL:       r.URL.String(),
		ClientIP:  clientAddr(r.RemoteAddr),
		StartedAt: t0.UTC().Format(time.RFC3339),
	}
	logger := e.Logger.With().
		Str("id", ex.ID).
		Str("method", ex.Method).
		Str("url", ex.URL).
		Logger()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("request task panicked")
			if !cw.wrote {
				writeText(cw, domain.KindUpstreamError.Status(), "upstream request failed")
			}
		}
	}()

	if !e.Gate.Acquire() {
		e.Metrics.RequestsTotal.WithLabelValues("overloaded").Inc()
		e.respondFailure(cw, logger, ex, e.token(r), domain.Overloaded(), nil)
		return
	}
	defer e.Gate.Release()
	e.Metrics.InFlight.Inc()
	defer e.Metrics.InFlight.Dec()

	token := e.token(r)
	if token == "" {
		e.Metrics.RequestsTotal.WithLabelValues("missing_token").Inc()
		logger.Warn().Str("kind", string(domain.KindMissingToken)).Msg("request rejected")
		writeText(cw, domain.KindMissingToken.Status(), domain.MissingToken().Message)
		return
	}

	// Address resolution for the datapoint runs alongside the upstream
	// call and is awaited only on the detached egress path.
	serverIP := make(chan string, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resolveBudget)
		defer cancel()
		ip, err := e.DNS.Resolve(ctx, r.URL.Hostname())
		if err != nil {
			e.Metrics.DNSFailuresTotal.Inc()
			logger.Debug().Err(err).Str("host", r.URL.Hostname()).Msg("address resolution failed")
			ip = domain.ServerIPUnresolved
		}
		serverIP <- ip
	}()

	reqMeter := &meter{}
	ctx, cancel := context.WithTimeout(r.Context(), e.CallTimeout)
	defer cancel()

	out := r.Clone(ctx)
	out.RequestURI = ""
	// the transport derives Host from the URL
	out.Host = ""
	out.Header.Del(domain.ServiceTokenHeader)
	appendForwardedFor(out.Header, ex.ClientIP)
	if out.Body != nil && out.Body != http.NoBody {
		out.Body = &meteredReadCloser{rc: out.Body, m: reqMeter}
	}
	ex.ReqHeaders = headerPairs(out.Header)

	ex.SendMS = clampMS(time.Since(t0))
	resp, err := e.Client.Do(out)
	if err != nil {
		perr := domain.Upstream(err)
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			perr = domain.Timeout(err)
		}
		ex.WaitMS = clampMS(time.Since(t0)) - ex.SendMS
		ex.ReqBodySize = reqMeter.Len()
		e.Metrics.RequestsTotal.WithLabelValues(outcome(perr.Kind)).Inc()
		e.respondFailure(cw, logger, ex, token, perr, serverIP)
		return
	}
	defer resp.Body.Close()
	ex.WaitMS = clampMS(time.Since(t0)) - ex.SendMS

	// the body is re-framed chunked on the way out
	resp.Header.Del("Content-Length")
	ex.Status = resp.StatusCode
	ex.ResHeaders = headerPairs(resp.Header)
	copyHeader(cw.Header(), resp.Header)
	cw.WriteHeader(resp.StatusCode)

	resMeter := &meter{}
	if _, err := io.Copy(&meteredWriter{w: cw, m: resMeter}, resp.Body); err != nil {
		logger.Debug().Err(err).Msg("response streaming interrupted")
	}
	ex.ReceiveMS = clampMS(time.Since(t0)) - ex.WaitMS - ex.SendMS
	if ex.ReceiveMS < 0 {
		ex.ReceiveMS = 0
	}
	ex.ReqBodySize = reqMeter.Len()
	ex.ResBodySize = resMeter.Len()

	e.Metrics.RequestsTotal.WithLabelValues("ok").Inc()
	logger.Info().Int("status", ex.Status).Int64("res_bytes", ex.ResBodySize).Msg("request completed")
	e.scheduleDatapoint(logger, ex, token, serverIP)
}

// token resolves the service token: per-request header first, then the
// startup default.
func (e *Engine) token(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(domain.ServiceTokenHeader)); t != "" {
		return t
	}
	return e.DefaultToken
}

// respondFailure renders a failed exchange to the client and, when a token
// is available, still schedules a datapoint with receive_ms = 0.
func (e *Engine) respondFailure(cw *captureWriter, logger zerolog.Logger, ex *domain.Exchange, token string, perr *domain.ProxyError, serverIP <-chan string) {
	status := perr.Kind.Status()
	body := perr.Message
	if !cw.wrote {
		writeText(cw, status, body)
	}
	ex.Status = status
	ex.ResHeaders = headerPairs(cw.Header())
	ex.ResBodySize = int64(len(body))
	ex.ReceiveMS = 0
	logger.Warn().Str("kind", string(perr.Kind)).Err(perr).Msg("request failed")
	if token == "" {
		return
	}
	e.scheduleDatapoint(logger, ex, token, serverIP)
}

// scheduleDatapoint builds the HAR message and hands it to the egress
// channel on a detached task. The channel applies its own deadline; the
// client response path is already complete by the time this runs.
func (e *Engine) scheduleDatapoint(logger zerolog.Logger, ex *domain.Exchange, token string, serverIP <-chan string) {
	go func() {
		if serverIP != nil {
			ex.ServerIP = <-serverIP
		} else {
			ex.ServerIP = domain.ServerIPUnresolved
		}
		msg, err := har.Builder{ServiceToken: token}.Build(*ex)
		if err != nil {
			logger.Error().Err(err).Msg("har build failed")
			return
		}
		if e.Debug {
			logger.Debug().RawJSON("har", []byte(redact.JSON(msg))).Msg("datapoint")
		}
		e.Egress.Send(msg)
	}()
}

func outcome(k domain.Kind) string {
	switch k {
	case domain.KindTimeout:
		return "timeout"
	default:
		return "upstream_error"
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// clientAddr renders the peer address: host for TCP peers, "sock:<path>"
// for UNIX-domain peers, empty for anything unrecognised.
func clientAddr(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	if strings.HasPrefix(remote, "/") || strings.HasPrefix(remote, "@") {
		return "sock:" + remote
	}
	return ""
}

func appendForwardedFor(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}

// headerPairs snapshots a header map in deterministic order.
func headerPairs(h http.Header) []domain.Header {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]domain.Header, 0, len(h))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, domain.Header{Name: k, Value: v})
		}
	}
	return out
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func clampMS(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 0
}

// captureWriter tracks whether the response status has been committed so
// failure paths and the panic guard never double-write headers.
type captureWriter struct {
	http.ResponseWriter
	wrote  bool
	status int
}

func (cw *captureWriter) WriteHeader(code int) {
	if cw.wrote {
		return
	}
	cw.wrote = true
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(p []byte) (int, error) {
	if !cw.wrote {
		cw.WriteHeader(http.StatusOK)
	}
	return cw.ResponseWriter.Write(p)
}

func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
