package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/fzft/go-nioendpoint/endpoint"
)

// Options is everything the binary reads from its environment.
type Options struct {
	Endpoint    endpoint.Config
	LogLevel    string
	MetricsAddr string // empty disables the /metrics listener
	DocRoot     string // files served by the FILE command
}

// loadOptions starts from endpoint.DefaultConfig and applies environment
// overrides. Malformed numbers are reported rather than ignored.
func loadOptions() (Options, error) {
	opts := Options{
		Endpoint: endpoint.DefaultConfig(),
		LogLevel: "info",
		DocRoot:  ".",
	}
	cfg := &opts.Endpoint

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return opts, fmt.Errorf("LISTEN_ADDR: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return opts, fmt.Errorf("LISTEN_ADDR port: %w", err)
		}
		cfg.Address = host
		cfg.Port = p
	}
	if err := envInt64("MAX_CONNECTIONS", &cfg.MaxConnections); err != nil {
		return opts, err
	}
	if err := envInt("ACCEPTOR_COUNT", &cfg.AcceptorThreadCount); err != nil {
		return opts, err
	}
	if err := envInt("POLLER_COUNT", &cfg.PollerThreadCount); err != nil {
		return opts, err
	}
	if err := envInt("MAX_THREADS", &cfg.MaxThreads); err != nil {
		return opts, err
	}
	if err := envInt("MIN_SPARE_THREADS", &cfg.MinSpareThreads); err != nil {
		return opts, err
	}
	if err := envInt("KEEPALIVE_MAX", &cfg.MaxKeepAliveRequests); err != nil {
		return opts, err
	}
	if err := envDuration("READ_TIMEOUT", &cfg.ReadTimeout); err != nil {
		return opts, err
	}
	if err := envDuration("WRITE_TIMEOUT", &cfg.WriteTimeout); err != nil {
		return opts, err
	}
	if err := envBool("BIND_ON_INIT", &cfg.BindOnInit); err != nil {
		return opts, err
	}
	if err := envBool("USE_SENDFILE", &cfg.UseSendfile); err != nil {
		return opts, err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		opts.LogLevel = v
	}
	opts.MetricsAddr = os.Getenv("METRICS_ADDR")
	if v := os.Getenv("DOC_ROOT"); v != "" {
		opts.DocRoot = v
	}
	return opts, nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envInt64(name string, dst *int64) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = b
	return nil
}
