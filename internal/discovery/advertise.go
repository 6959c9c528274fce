// Package discovery announces solarsync processes on the local network over
// mDNS so operator tools find the hook and dashboard ports without
// configuration.
package discovery

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/grandcat/zeroconf"
)

// ServiceType is shared by every solarsync process; the role TXT key tells
// them apart.
const (
	ServiceType = "_solarsync._tcp"
	domain      = "local."
	labelMax    = 63
)

// Role names the advertised process.
type Role string

const (
	RoleHooks     Role = "hooks"
	RoleDashboard Role = "dashboard"
)

// Advert describes one announcement.
type Advert struct {
	Role        Role
	Port        int
	TopicPrefix string
	// Extra TXT keys, such as ingest=true or unit=Solar Unit A.
	Extra map[string]string
}

// Instance is the human-readable service instance name for host.
func (a Advert) Instance(host string) string {
	name := fmt.Sprintf("solarsync %s on %s", a.Role, host)
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '_' || unicode.IsControl(r):
			return ' '
		}
		return r
	}, name)
	return clip(strings.Join(strings.Fields(name), " "))
}

// TXT renders the TXT records in a stable order: role, port and prefix
// first, then Extra keys sorted.
func (a Advert) TXT(host string) []string {
	txt := []string{
		"role=" + string(a.Role),
		fmt.Sprintf("port=%d", a.Port),
		"topic_prefix=" + strings.Trim(a.TopicPrefix, "/"),
		"host=" + HostLabel(host) + ".local",
		"proto=v1",
	}
	keys := make([]string, 0, len(a.Extra))
	for k := range a.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		txt = append(txt, k+"="+a.Extra[k])
	}
	return txt
}

// HostLabel reduces a hostname to one lower-case DNS label.
func HostLabel(host string) string {
	host, _, _ = strings.Cut(strings.TrimSpace(strings.ToLower(host)), ".")
	label := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r == ' ' || r == '_':
			return '-'
		}
		return -1
	}, host)
	label = strings.Trim(label, "-")
	if label == "" {
		label = "solarsync"
	}
	return clip(label)
}

func clip(s string) string {
	if len(s) <= labelMax {
		return s
	}
	cut := labelMax
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Advertiser holds a running announcement.
type Advertiser struct {
	server *zeroconf.Server
	logger *slog.Logger
	advert Advert
}

// Start registers ad with the local mDNS responder.
func Start(ad Advert, logger *slog.Logger) (*Advertiser, error) {
	if ad.Port <= 0 || ad.Port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", ad.Port)
	}
	if logger == nil {
		logger = slog.Default()
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "solarsync"
	}

	instance := ad.Instance(host)
	server, err := zeroconf.Register(instance, ServiceType, domain, ad.Port, ad.TXT(host), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", ad.Role, err)
	}

	logger.Info("mDNS advertisement started", "instance", instance, "role", string(ad.Role), "port", ad.Port)
	return &Advertiser{server: server, logger: logger, advert: ad}, nil
}

// Stop withdraws the announcement. It is safe on a nil Advertiser.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("mDNS advertisement stopped", "role", string(a.advert.Role))
}
