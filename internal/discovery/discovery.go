// Package discovery finds network attached Lime boards (LimeNET-Micro and
// remote LimeSuite servers) advertised over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/rjboer/GoLimeSDR/internal/device"
	"github.com/rjboer/GoLimeSDR/internal/logging"
)

// DefaultService is the service type Lime servers register.
const DefaultService = "_limesdr._tcp"

// Host represents a discovered board.
type Host struct {
	Instance  string // Advertised name: "LimeNET Micro 1D3AC"
	Hostname  string // DNS hostname: "limenet.local."
	Addresses []net.IP
	Port      int
	TXT       []string
	// Identity is filled from the serial= and model= TXT keys. Model is
	// zero when the record carries no usable model.
	Identity device.Identity
}

// Browse performs a blocking mDNS browse for service until timeout expires
// or ctx is canceled. Results are deduplicated by hostname and port and
// sorted by instance name.
func Browse(ctx context.Context, service string, timeout time.Duration, logger logging.Logger) ([]Host, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				h := hostFromEntry(e)
				key := fmt.Sprintf("%s|%d", h.Hostname, h.Port)
				if _, seen := found[key]; !seen {
					logger.Debug("lime host found",
						logging.F("instance", h.Instance),
						logging.F("host", h.Hostname),
						logging.F("serial", h.Identity.Serial))
				}
				found[key] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	<-done

	out := make([]Host, 0, len(found))
	for _, h := range found {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
		Identity:  ParseTXT(e.Text),
	}
}

// ParseTXT extracts the board identity from TXT records of the form
// key=value. Keys are case insensitive; unknown keys are ignored.
func ParseTXT(txt []string) device.Identity {
	var id device.Identity
	for _, rec := range txt {
		key, val, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "serial":
			id.Serial = strings.TrimSpace(val)
		case "model":
			if m, err := device.ParseModel(strings.TrimSpace(val)); err == nil {
				id.Model = m
			}
		}
	}
	return id
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
