// Package endpoint identifies a remote telemetry aggregator.
//
// Every pool, breaker, lease and counter in the subsystem is partitioned by
// the endpoint's pool key, "{host}:{port}".
package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is an immutable (host, port) destination.
type Endpoint struct {
	Host string
	Port int
}

// New validates host and port and returns the Endpoint.
func New(host string, port int) (Endpoint, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Endpoint{}, fmt.Errorf("endpoint: empty host")
	}
	if port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("endpoint: invalid port %d", port)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Parse is the inverse of Key.
func Parse(key string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(key)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: invalid port %q", portStr)
	}
	return New(host, port)
}

// Key returns the pool key. It is also the dial address.
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Key()
}
