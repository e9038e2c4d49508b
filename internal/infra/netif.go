package infra

import (
	"context"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// InterfaceLister implements domain.InterfaceLister using gopsutil.
type InterfaceLister struct {
	list func(ctx context.Context) (net.InterfaceStatList, error)
}

// NewInterfaceLister creates a lister over the host's interfaces.
func NewInterfaceLister() *InterfaceLister {
	return &InterfaceLister{list: net.InterfacesWithContext}
}

// Up returns the sorted names of interfaces that are up. Loopback devices
// are left out since nfqws has nothing to intercept there.
func (l *InterfaceLister) Up(ctx context.Context) ([]string, error) {
	stats, err := l.list(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list interfaces")
	}

	var names []string
	for _, s := range stats {
		if s.Name == "lo" || slices.Contains(s.Flags, "loopback") {
			continue
		}
		if !slices.Contains(s.Flags, "up") {
			continue
		}
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Ensure InterfaceLister implements domain.InterfaceLister.
var _ domain.InterfaceLister = (*InterfaceLister)(nil)
