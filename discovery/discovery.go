// Package discovery advertises the live feed over mDNS and browses for
// feeds published by other telestrators on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"go2tv.app/telestrator/internal/logging"
)

const (
	ServiceType = "_telestrator._tcp"

	DefaultPath          = "/feed"
	DefaultBrowseTimeout = 2 * time.Second
)

// Feed is one advertised websocket feed. URL is usable as a capture target.
type Feed struct {
	Instance string
	Host     string
	Addr     string
	Path     string
	URL      string
}

type AdvertiseOptions struct {
	// Instance defaults to the host name.
	Instance string
	Port     int
	Path     string
	Logger   *slog.Logger
}

type Advertisement struct {
	server    *mdns.Server
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

func Advertise(opts AdvertiseOptions) (*Advertisement, error) {
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("advertise: invalid port %d", opts.Port)
	}
	instance := strings.TrimSpace(opts.Instance)
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
		instance = host
	}
	logger := logging.Component(opts.Logger, "discovery")

	service, err := mdns.NewMDNSService(instance, ServiceType, "", "", opts.Port, nil, txtRecords(opts.Path))
	if err != nil {
		return nil, fmt.Errorf("create mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("start mdns server: %w", err)
	}
	logger.Info("feed advertised", "instance", instance, "service", ServiceType, "port", opts.Port)
	return &Advertisement{server: server, logger: logger}, nil
}

func (a *Advertisement) Close() error {
	if a == nil {
		return nil
	}
	a.closeOnce.Do(func() {
		a.closeErr = a.server.Shutdown()
		a.logger.Debug("advertisement withdrawn", "err", a.closeErr)
	})
	return a.closeErr
}

func txtRecords(path string) []string {
	if path == "" {
		path = DefaultPath
	}
	return []string{"proto=ws", "path=" + path}
}

// Browse queries the network for timeout (DefaultBrowseTimeout when zero,
// shortened to ctx's deadline) and returns each feed once.
func Browse(ctx context.Context, timeout time.Duration, logger *slog.Logger) ([]Feed, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}
	logger = logging.Component(logger, "discovery")

	entries := make(chan *mdns.ServiceEntry, 16)
	var feeds []Feed
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		seen := make(map[string]bool)
		for e := range entries {
			f, ok := feedFromEntry(e)
			if !ok || seen[f.URL] {
				continue
			}
			seen[f.URL] = true
			feeds = append(feeds, f)
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	<-collected

	if err != nil {
		return feeds, fmt.Errorf("mdns query: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
		return feeds, ctxErr
	}
	logger.Debug("browse finished", "feeds", len(feeds))
	return feeds, nil
}

func feedFromEntry(e *mdns.ServiceEntry) (Feed, bool) {
	if e == nil || e.Port <= 0 || !strings.Contains(e.Name, ServiceType) {
		return Feed{}, false
	}
	ip := e.AddrV4
	if ip == nil {
		ip = e.AddrV6
	}
	if ip == nil {
		return Feed{}, false
	}

	txt := parseTXT(e.InfoFields)
	if proto, ok := txt["proto"]; ok && proto != "ws" {
		return Feed{}, false
	}
	path := txt["path"]
	if !strings.HasPrefix(path, "/") {
		path = DefaultPath
	}

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))
	return Feed{
		Instance: instanceName(e.Name),
		Host:     strings.TrimSuffix(e.Host, "."),
		Addr:     addr,
		Path:     path,
		URL:      "ws://" + addr + path,
	}, true
}

func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, _ := strings.Cut(f, "=")
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

// instanceName strips the service and domain from a full name such as
// "studio\ a._telestrator._tcp.local.".
func instanceName(full string) string {
	name, _, _ := strings.Cut(full, "."+ServiceType)
	return strings.ReplaceAll(name, `\ `, " ")
}
