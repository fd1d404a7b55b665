// Command harchiver runs a transparent forward proxy that captures one
// HAR datapoint per proxied exchange and pushes it to an analytics
// collector.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sonicaghi/HARchiver/internal/adapters/dnspool"
	"github.com/sonicaghi/HARchiver/internal/adapters/egress"
	"github.com/sonicaghi/HARchiver/internal/infrastructure/config"
	"github.com/sonicaghi/HARchiver/internal/infrastructure/httpapi"
	"github.com/sonicaghi/HARchiver/internal/infrastructure/observability"
	"github.com/sonicaghi/HARchiver/internal/usecase"
	"github.com/sonicaghi/HARchiver/pkg/shared/gate"
)

const shutdownGrace = 10 * time.Second

func main() {
	app := &cli.App{
		Name:      "harchiver",
		Usage:     "transparent HTTP/HTTPS proxy that archives traffic as HAR datapoints",
		ArgsUsage: "<port> [service-token]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "https",
				Usage: "also listen for TLS clients on `PORT`",
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Aliases: []string{"c"},
				Value:   300,
				Usage:   "maximum simultaneous requests before shedding",
			},
			&cli.Float64Flag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   6,
				Usage:   "upstream call timeout in seconds",
			},
			&cli.StringFlag{
				Name:    "collector",
				Value:   "server.apianalytics.com:5000",
				Usage:   "analytics collector `ADDR` (host:port or URL)",
				EnvVars: []string{"HARCHIVER_COLLECTOR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "zerolog level: trace, debug, info, warn, error",
				EnvVars: []string{"HARCHIVER_LOG_LEVEL"},
			},
			&cli.IntFlag{
				Name:  "dns-pool",
				Value: dnspool.DefaultSize,
				Usage: "number of pooled resolver clients",
			},
			&cli.StringFlag{
				Name:  "cert",
				Value: "cert.pem",
				Usage: "TLS certificate `FILE` for the --https listener",
			},
			&cli.StringFlag{
				Name:  "key",
				Value: "key.pem",
				Usage: "TLS key `FILE` for the --https listener",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log every outgoing datapoint",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if c.NArg() < 1 {
		return cfg, errors.New("missing required <port> argument")
	}
	port, err := strconv.Atoi(c.Args().Get(0))
	if err != nil || port <= 0 || port > 65535 {
		return cfg, fmt.Errorf("invalid port %q", c.Args().Get(0))
	}
	cfg.Port = port
	cfg.ServiceToken = c.Args().Get(1)
	cfg.HTTPSPort = c.Int("https")
	cfg.Concurrency = c.Int("concurrency")
	if cfg.Concurrency <= 0 {
		return cfg, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	cfg.CallTimeout = time.Duration(c.Float64("timeout") * float64(time.Second))
	if cfg.CallTimeout <= 0 {
		return cfg, fmt.Errorf("timeout must be positive, got %v", c.Float64("timeout"))
	}
	cfg.DNSPoolSize = c.Int("dns-pool")
	cfg.CollectorAddr = c.String("collector")
	cfg.LogLevel = c.String("log-level")
	cfg.Debug = c.Bool("debug")
	cfg.CertFile = c.String("cert")
	cfg.KeyFile = c.String("key")
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := parseConfig(c)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel)
	if cfg.Debug && logger.GetLevel() > zerolog.DebugLevel {
		// datapoints are logged at debug level
		l := logger.Level(zerolog.DebugLevel)
		logger = &l
	}
	metrics := observability.NewMetrics()

	channel := egress.Dial(cfg.CollectorAddr, logger, metrics)
	defer channel.Close()

	engine := &usecase.Engine{
		Gate:   gate.New(cfg.Concurrency),
		DNS:    dnspool.New(cfg.DNSPoolSize),
		Egress: channel,
		Client: &http.Client{
			Transport: &http.Transport{
				// never re-encode bodies: byte counts must match the wire
				DisableCompression:  true,
				MaxIdleConnsPerHost: cfg.Concurrency,
				IdleConnTimeout:     90 * time.Second,
			},
			// status and Location pass through to the client untouched
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Logger:       logger,
		Metrics:      metrics,
		DefaultToken: cfg.ServiceToken,
		CallTimeout:  cfg.CallTimeout,
		Debug:        cfg.Debug,
	}

	handler := httpapi.NewRouter(&httpapi.Deps{
		Cfg:     cfg,
		Logger:  logger,
		Metrics: metrics,
		Engine:  engine,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// No WriteTimeout: responses stream for as long as the upstream
	// call budget allows.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Int("port", cfg.Port).
			Str("version", observability.Version).
			Msg("proxy listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listener: %w", err)
		}
		return nil
	})

	var tlsSrv *http.Server
	if cfg.HTTPSPort > 0 {
		tlsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTPSPort),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Int("port", cfg.HTTPSPort).Msg("tls proxy listening")
			err := tlsSrv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				// plain-HTTP service continues without the TLS listener
				logger.Error().Err(err).Msg("tls listener failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("http shutdown error")
		}
		if tlsSrv != nil {
			if err := tlsSrv.Shutdown(sctx); err != nil {
				logger.Error().Err(err).Msg("tls shutdown error")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("fatal")
		return err
	}
	logger.Info().Msg("harchiver stopped")
	return nil
}
