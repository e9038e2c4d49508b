package infra

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/miekg/dns"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// nmcliFunc runs nmcli with args and returns its stdout.
type nmcliFunc func(ctx context.Context, args ...string) (string, error)

// ResolverInspector implements domain.DNSInspector.
// It reads nameservers from resolv.conf and, when NetworkManager manages the
// resolver, from the ipv4.dns setting of active connections.
type ResolverInspector struct {
	resolvConf string
	providers  map[domain.DNSProvider][]string
	nmcli      nmcliFunc
}

// NewResolverInspector creates an inspector matching nameservers to providers.
func NewResolverInspector(resolvConf string, providers map[domain.DNSProvider][]string) *ResolverInspector {
	return &ResolverInspector{
		resolvConf: resolvConf,
		providers:  providers,
		nmcli:      runNmcli,
	}
}

// Current returns the provider whose nameservers are in effect, or DNSNone.
func (r *ResolverInspector) Current(ctx context.Context) (domain.DNSProvider, error) {
	cfg, err := dns.ClientConfigFromFile(r.resolvConf)
	if err != nil {
		return domain.DNSNone, err
	}
	servers := cfg.Servers

	if r.managedByNetworkManager() {
		nmServers, err := r.activeConnectionDNS(ctx)
		if err != nil {
			return domain.DNSNone, err
		}
		servers = append(servers, nmServers...)
	}

	return r.match(servers), nil
}

// match picks the first provider (by name) that owns any of servers.
func (r *ResolverInspector) match(servers []string) domain.DNSProvider {
	present := make(map[string]bool, len(servers))
	for _, s := range servers {
		present[strings.TrimSpace(s)] = true
	}

	names := make([]string, 0, len(r.providers))
	for p := range r.providers {
		names = append(names, string(p))
	}
	sort.Strings(names)

	for _, name := range names {
		for _, ns := range r.providers[domain.DNSProvider(name)] {
			if present[ns] {
				return domain.DNSProvider(name)
			}
		}
	}
	return domain.DNSNone
}

// managedByNetworkManager checks the resolv.conf header, as NetworkManager writes one.
func (r *ResolverInspector) managedByNetworkManager() bool {
	f, err := os.Open(r.resolvConf)
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for i := 0; i < 5 && sc.Scan(); i++ {
		if strings.Contains(sc.Text(), "Generated by NetworkManager") {
			return true
		}
	}
	return false
}

func (r *ResolverInspector) activeConnectionDNS(ctx context.Context) ([]string, error) {
	out, err := r.nmcli(ctx, "-t", "-f", "NAME", "connection", "show", "--active")
	if err != nil {
		return nil, err
	}

	var servers []string
	for _, name := range strings.Split(out, "\n") {
		name = strings.TrimSpace(name)
		if name == "" || name == "lo" {
			continue
		}
		dnsOut, err := r.nmcli(ctx, "-g", "ipv4.dns", "connection", "show", name)
		if err != nil {
			continue // connection vanished between calls
		}
		for _, s := range strings.FieldsFunc(dnsOut, func(c rune) bool { return c == ',' || c == ' ' || c == '\n' }) {
			servers = append(servers, s)
		}
	}
	return servers, nil
}

func runNmcli(ctx context.Context, args ...string) (string, error) {
	if _, err := exec.LookPath("nmcli"); err != nil {
		return "", nil // no NetworkManager, resolv.conf is all we have
	}
	out, err := exec.CommandContext(ctx, "nmcli", args...).Output()
	return string(out), err
}

// Ensure ResolverInspector implements domain.DNSInspector.
var _ domain.DNSInspector = (*ResolverInspector)(nil)
