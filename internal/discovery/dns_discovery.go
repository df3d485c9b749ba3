package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// DNSConfig defines a DNS-based discovery target
type DNSConfig struct {
	Service string // e.g. valkey-headless.data.svc.cluster.local
	Port    int    // used with A/AAAA lookups
	UseSRV  bool   // if true, query _redis._tcp.<service>
}

// Resolver is the subset of *net.Resolver used for discovery
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// ResolveEndpoints resolves cfg.Service into a sorted, de-duplicated list of
// host:port endpoints. A nil resolver uses net.DefaultResolver.
func ResolveEndpoints(ctx context.Context, cfg DNSConfig, r Resolver) ([]string, error) {
	if cfg.Service == "" {
		return nil, fmt.Errorf("discovery: service name is required")
	}
	if r == nil {
		r = net.DefaultResolver
	}

	var out []string
	if cfg.UseSRV {
		service := cfg.Service
		if !strings.HasPrefix(service, "_") {
			service = "_redis._tcp." + service
		}
		_, addrs, err := r.LookupSRV(ctx, "", "", service)
		if err != nil {
			return nil, fmt.Errorf("discovery: SRV lookup of %s: %w", service, err)
		}
		for _, a := range addrs {
			host := strings.TrimSuffix(a.Target, ".")
			out = append(out, net.JoinHostPort(host, strconv.Itoa(int(a.Port))))
		}
	} else {
		// A/AAAA records list the pods behind a headless service
		ips, err := r.LookupIPAddr(ctx, cfg.Service)
		if err != nil {
			return nil, fmt.Errorf("discovery: lookup of %s: %w", cfg.Service, err)
		}
		for _, ip := range ips {
			out = append(out, net.JoinHostPort(ip.IP.String(), strconv.Itoa(cfg.Port)))
		}
	}

	seen := map[string]struct{}{}
	uniq := make([]string, 0, len(out))
	for _, e := range out {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		uniq = append(uniq, e)
	}
	if len(uniq) == 0 {
		return nil, fmt.Errorf("discovery: %s resolved no endpoints", cfg.Service)
	}
	sort.Strings(uniq)
	return uniq, nil
}
