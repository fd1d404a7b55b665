// Package egress maintains the single long-lived push connection that
// carries HAR datapoints to the analytics collector.
package egress

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sonicaghi/HARchiver/internal/domain"
	"github.com/sonicaghi/HARchiver/internal/infrastructure/observability"
)

const (
	// SendTimeout bounds one datapoint push end to end, queueing included.
	SendTimeout = 20 * time.Second

	queueDepth = 256
)

// Channel serialises datapoint writes onto one websocket connection. A
// single writer goroutine owns the connection; callers hand messages over
// a bounded queue, so the client-facing response path is never blocked by
// collector I/O. A datapoint that cannot be written before its deadline is
// dropped and logged.
type Channel struct {
	url     string
	logger  zerolog.Logger
	metrics *observability.Metrics
	dialer  websocket.Dialer

	queue chan datapoint
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	// conn is owned by the run loop. nil means broken; the next push
	// attempts one redial.
	conn *websocket.Conn
}

type datapoint struct {
	payload  []byte
	enqueued time.Time
}

// Dial starts the channel toward collector ("host:port" or a ws:// URL).
// The initial connection attempt is best-effort: a down collector must not
// prevent the proxy from serving traffic.
func Dial(collector string, logger *zerolog.Logger, metrics *observability.Metrics) *Channel {
	url := collector
	if !strings.Contains(url, "://") {
		url = "ws://" + url
	}
	c := &Channel{
		url:     url,
		logger:  logger.With().Str("component", "egress").Logger(),
		metrics: metrics,
		dialer:  websocket.Dialer{HandshakeTimeout: SendTimeout},
		queue:   make(chan datapoint, queueDepth),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Send queues one message for push. It blocks at most SendTimeout when the
// queue is saturated, then drops the message.
func (c *Channel) Send(payload string) {
	dp := datapoint{payload: []byte(payload), enqueued: time.Now()}
	t := time.NewTimer(SendTimeout)
	defer t.Stop()
	select {
	case c.queue <- dp:
	case <-c.done:
	case <-t.C:
		c.drop(domain.KindEgressTimeout, errors.New("egress queue saturated"))
	}
}

// Close tears the channel down. Only called at shutdown; there is exactly
// one Channel per process.
func (c *Channel) Close() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Channel) run() {
	defer c.wg.Done()
	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("collector", c.url).Msg("collector unreachable at startup")
	} else {
		c.conn = conn
	}
	for {
		select {
		case <-c.done:
			if c.conn != nil {
				_ = c.conn.Close()
			}
			return
		case dp := <-c.queue:
			c.push(dp)
		}
	}
}

func (c *Channel) push(dp datapoint) {
	deadline := dp.enqueued.Add(SendTimeout)
	if !time.Now().Before(deadline) {
		c.drop(domain.KindEgressTimeout, errors.New("datapoint deadline expired before write"))
		return
	}
	if c.conn == nil {
		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.drop(domain.KindEgressTimeout, err)
			return
		}
		c.conn = conn
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, dp.payload); err != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.drop(domain.KindEgressTimeout, err)
		return
	}
	c.metrics.DatapointsTotal.WithLabelValues("sent").Inc()
}

func (c *Channel) drop(kind domain.Kind, err error) {
	c.metrics.DatapointsTotal.WithLabelValues("dropped").Inc()
	c.logger.Warn().Str("kind", string(kind)).Err(err).Msg("datapoint dropped")
}
