// Package httputil builds the outbound HTTP clients used to reach backends.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// DefaultProxyTimeout bounds a buffered completion, generation time included.
const DefaultProxyTimeout = 120 * time.Second

type ClientConfig struct {
	// Timeout bounds the whole exchange. Zero leaves it unbounded.
	Timeout               time.Duration
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

// ProxyConfig is used for buffered dispatch. A backend may spend most of
// timeout generating before it sends headers.
func ProxyConfig(timeout time.Duration) ClientConfig {
	if timeout <= 0 {
		timeout = DefaultProxyTimeout
	}
	return ClientConfig{
		Timeout:               timeout,
		DialTimeout:           10 * time.Second,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
	}
}

// StreamConfig only bounds the wait for response headers; the body may flow
// for as long as the backend keeps generating.
func StreamConfig(headerTimeout time.Duration) ClientConfig {
	cfg := ProxyConfig(headerTimeout)
	cfg.Timeout = 0
	return cfg
}

// HealthCheckConfig is used for discovery polls and health checks, where a slow
// answer is as bad as none.
func HealthCheckConfig(timeout time.Duration) ClientConfig {
	return ClientConfig{
		Timeout:               timeout,
		DialTimeout:           timeout,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       30 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   2,
	}
}

func NewClient(cfg ClientConfig) *http.Client {
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: newTransport(cfg),
	}
}

func newTransport(cfg ClientConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
	}
}
