// Package config holds the resolved runtime configuration. Values come
// from CLI arguments and flags; environment variables back the collector
// address and log level so containers can override them without a
// command line.
package config

import "time"

type Config struct {
	// Port is the plain-HTTP proxy listener. Required.
	Port int
	// HTTPSPort enables the TLS listener when > 0. The listener
	// terminates TLS with CertFile/KeyFile and proxies onward over
	// plain HTTP semantics.
	HTTPSPort int

	// ServiceToken is the startup default applied when a request
	// carries no Service-Token header. May be empty.
	ServiceToken string

	// Concurrency caps simultaneously admitted requests.
	Concurrency int
	// CallTimeout bounds one upstream round trip.
	CallTimeout time.Duration
	// DNSPoolSize is the number of pooled resolver clients.
	DNSPoolSize int

	// CollectorAddr is the analytics collector endpoint, "host:port"
	// or a full URL.
	CollectorAddr string

	LogLevel string
	Debug    bool

	CertFile string
	KeyFile  string
}

// Default returns the baseline configuration before CLI parsing.
func Default() Config {
	return Config{
		Concurrency:   300,
		CallTimeout:   6 * time.Second,
		DNSPoolSize:   2,
		CollectorAddr: "server.apianalytics.com:5000",
		LogLevel:      "info",
		CertFile:      "cert.pem",
		KeyFile:       "key.pem",
	}
}
