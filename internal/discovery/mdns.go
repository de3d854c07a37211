// ABOUTME: mDNS service discovery for voice backends
// ABOUTME: Handles advertisement (backend side) and lookup (client side)
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service type voice backends advertise under
const ServiceType = "_voicelink._tcp"

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	Path        string // advertised in the TXT record, defaults to /voice
	Logger      *slog.Logger
}

// Manager handles mDNS operations
type Manager struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	server *mdns.Server
}

// ServerInfo describes a discovered backend
type ServerInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// Addr returns host:port
func (s ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Path == "" {
		config.Path = "/voice"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		config: config,
		logger: config.Logger.With("component", "discovery"),
	}
}

// Advertise announces this backend via mDNS until Stop is called
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=" + m.config.Path},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	m.logger.Info("advertising mDNS service", "name", m.config.ServiceName, "port", m.config.Port, "type", ServiceType)
	return nil
}

// Lookup queries the network once and returns the first backend found
func (m *Manager) Lookup(ctx context.Context, timeout time.Duration) (ServerInfo, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	entries := make(chan *mdns.ServiceEntry, 10)
	found := make(chan ServerInfo, 1)

	go func() {
		for entry := range entries {
			info, ok := toServerInfo(entry)
			if !ok {
				continue
			}
			select {
			case found <- info:
			default:
			}
		}
	}()

	errc := make(chan error, 1)
	go func() {
		params := mdns.DefaultParams(ServiceType)
		params.Domain = "local"
		params.Timeout = timeout
		params.Entries = entries
		params.DisableIPv6 = true
		errc <- mdns.Query(params)
		close(entries)
	}()

	select {
	case info := <-found:
		m.logger.Info("discovered backend", "name", info.Name, "addr", info.Addr(), "path", info.Path)
		return info, nil
	case err := <-errc:
		if err != nil {
			return ServerInfo{}, fmt.Errorf("mdns query: %w", err)
		}
		// Query returned; give the drain goroutine a chance to hand over
		select {
		case info := <-found:
			return info, nil
		default:
		}
		return ServerInfo{}, fmt.Errorf("no %s service found within %s", ServiceType, timeout)
	case <-ctx.Done():
		return ServerInfo{}, ctx.Err()
	}
}

func toServerInfo(entry *mdns.ServiceEntry) (ServerInfo, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return ServerInfo{}, false
	}
	info := ServerInfo{
		Name: entry.Name,
		Host: entry.AddrV4.String(),
		Port: entry.Port,
		Path: pathFromTXT(entry.InfoFields),
	}
	return info, true
}

func pathFromTXT(fields []string) string {
	for _, f := range fields {
		if v, ok := strings.CutPrefix(f, "path="); ok && v != "" {
			return v
		}
	}
	return "/voice"
}

// Stop withdraws any advertisement
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
