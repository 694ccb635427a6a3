// Package discovery advertises the sketch server on the local network
// over mDNS and browses for peers.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

// ServiceType is the mDNS service type of the sketch server.
const ServiceType = "_sketchpad._tcp"

const defaultBrowseTimeout = 2 * time.Second

var errInvalidPort = errors.New("discovery: invalid port")

// AdvertiserConfig describes the advertised service.
type AdvertiserConfig struct {
	Instance string
	Address  string
	Logger   *zap.Logger
}

// Advertiser answers mDNS queries until Shutdown.
type Advertiser struct {
	server *mdns.Server
	logger *zap.Logger
}

// Advertise starts answering mDNS queries for the server listening on cfg.Address.
func Advertise(cfg AdvertiserConfig) (*Advertiser, error) {
	port, err := PortFromAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	instance := InstanceName(cfg.Instance)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	service, err := mdns.NewMDNSService(instance, ServiceType, "", "", port, nil, []string{"path=/ws"})
	if err != nil {
		return nil, fmt.Errorf("discovery: create mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("discovery: start mdns server: %w", err)
	}
	logger.Info("mdns advertisement started",
		zap.String("instance", instance),
		zap.String("service", ServiceType),
		zap.Int("port", port))
	return &Advertiser{server: server, logger: logger}, nil
}

// Shutdown stops answering queries.
func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	a.logger.Info("mdns advertisement stopped")
	return a.server.Shutdown()
}

// Browse collects websocket endpoints advertised on the local network.
func Browse(timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = defaultBrowseTimeout
	}
	entries := make(chan *mdns.ServiceEntry, 8)
	collected := make(chan []string, 1)
	go func() {
		var endpoints []string
		for entry := range entries {
			if entry.AddrV4 == nil || entry.Port == 0 {
				continue
			}
			endpoints = append(endpoints, fmt.Sprintf("ws://%s/ws", net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port))))
		}
		collected <- endpoints
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	endpoints := <-collected
	if err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	return endpoints, nil
}

// InstanceName returns the configured instance name, or the host name.
func InstanceName(configured string) string {
	if trimmed := strings.TrimSpace(configured); trimmed != "" {
		return trimmed
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "sketchpad"
	}
	return host
}

// PortFromAddress extracts the port of a listen address such as "0.0.0.0:3000" or ":3000".
func PortFromAddress(address string) (int, error) {
	_, rawPort, err := net.SplitHostPort(strings.TrimSpace(address))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errInvalidPort, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: %q", errInvalidPort, rawPort)
	}
	return port, nil
}
