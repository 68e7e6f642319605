// Package discovery re-locates configured lights on the LAN through mDNS.
//
// Yeelight bulbs announce themselves as "_miio._udp" services whose instance name ends
// in "_miio<decimal device id>", e.g. "yeelink-light-color1_miio235111".
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"

	"github.com/dokzlo13/yeebridge/internal/eventbus"
)

// Service is the mDNS service type announced by miio devices.
const Service = "_miio._udp"

// Sighting is one answering light.
type Sighting struct {
	ID      string // normalized device id
	Model   string // e.g. "yeelink.light.color1", empty when the name does not carry it
	Address string
}

// QueryFunc runs one mDNS query. It matches mdns.Query so tests can substitute it.
type QueryFunc func(*mdns.QueryParam) error

// Publisher is the part of the event bus the scanner needs.
type Publisher interface {
	Publish(eventbus.Event) bool
}

// Scanner periodically browses for miio devices and publishes device_seen events.
type Scanner struct {
	interval time.Duration
	timeout  time.Duration
	bus      Publisher
	logger   zerolog.Logger
	query    QueryFunc
}

// NewScanner creates a scanner using the real mDNS client.
func NewScanner(interval, timeout time.Duration, bus Publisher, logger zerolog.Logger) *Scanner {
	return &Scanner{
		interval: interval,
		timeout:  timeout,
		bus:      bus,
		logger:   logger,
		query:    mdns.Query,
	}
}

// WithQuery replaces the mDNS query function.
func (s *Scanner) WithQuery(q QueryFunc) *Scanner {
	s.query = q
	return s
}

// Run browses immediately and then every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.scanAndPublish(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scanner) scanAndPublish(ctx context.Context) {
	sightings, err := s.Scan(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("mDNS browse failed")
	}
	for _, sg := range sightings {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.EventTypeDeviceSeen,
			Data: map[string]interface{}{
				"id":      sg.ID,
				"address": sg.Address,
				"model":   sg.Model,
			},
		})
	}
	s.logger.Debug().Int("found", len(sightings)).Msg("mDNS browse complete")
}

// Scan runs one browse and returns every light that answered with a parsable name.
func (s *Scanner) Scan(ctx context.Context) ([]Sighting, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	collected := make(chan []Sighting, 1)

	go func() {
		seen := make(map[string]Sighting)
		for entry := range entries {
			sg, ok := parseEntry(entry)
			if !ok {
				s.logger.Trace().Str("name", entry.Name).Msg("Ignoring mDNS entry")
				continue
			}
			seen[sg.ID] = sg
		}
		out := make([]Sighting, 0, len(seen))
		for _, sg := range seen {
			out = append(out, sg)
		}
		collected <- out
	}()

	params := mdns.DefaultParams(Service)
	params.Entries = entries
	params.Timeout = s.timeout
	params.DisableIPv6 = true
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < params.Timeout {
			params.Timeout = left
		}
	}

	err := s.query(params)
	close(entries)
	sightings := <-collected

	if err != nil {
		return sightings, fmt.Errorf("mDNS query failed: %w", err)
	}
	return sightings, nil
}

func parseEntry(entry *mdns.ServiceEntry) (Sighting, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Sighting{}, false
	}
	id, model, ok := ParseInstanceName(entry.Name)
	if !ok {
		id, model, ok = ParseInstanceName(entry.Host)
	}
	if !ok {
		return Sighting{}, false
	}
	return Sighting{ID: id, Model: model, Address: entry.AddrV4.String()}, true
}

// ParseInstanceName extracts the device id and model from a miio instance name such as
// "yeelink-light-color1_miio235111._miio._udp.local.".
func ParseInstanceName(name string) (id, model string, ok bool) {
	instance, _, _ := strings.Cut(name, ".")
	prefix, digits, found := strings.Cut(instance, "_miio")
	if !found || digits == "" {
		return "", "", false
	}
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return "", "", false
	}
	return strconv.FormatUint(n, 10), strings.ReplaceAll(prefix, "-", "."), true
}

// SameHost reports whether two addresses point at the same host, ignoring the port.
func SameHost(a, b string) bool {
	return hostOf(a) == hostOf(b)
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
