package infra

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

const defaultProbeTimeout = 5 * time.Second

// SiteResult is the outcome of probing one site.
type SiteResult struct {
	Name    string
	URL     string
	OK      bool
	Status  int
	Error   string
	Elapsed time.Duration
}

// SiteProber checks whether blocked sites answer through the bypass.
type SiteProber struct {
	client *http.Client
	sites  map[string]string
	logger *zap.Logger
}

// NewSiteProber creates a prober for sites (name -> URL).
func NewSiteProber(sites map[string]string, timeout time.Duration, logger *zap.Logger) *SiteProber {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &SiteProber{
		client: &http.Client{Timeout: timeout},
		sites:  sites,
		logger: logger,
	}
}

// ProbeAll probes every site sequentially, in name order.
func (p *SiteProber) ProbeAll(ctx context.Context) []SiteResult {
	names := make([]string, 0, len(p.sites))
	for name := range p.sites {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]SiteResult, 0, len(names))
	for _, name := range names {
		results = append(results, p.Probe(ctx, name, p.sites[name]))
	}
	return results
}

// Probe issues a GET and expects HTTP 200 after redirects.
func (p *SiteProber) Probe(ctx context.Context, name, url string) SiteResult {
	start := time.Now()
	res := SiteResult{Name: name, URL: url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Error = fmt.Sprintf("failed to create request: %v", err)
		return res
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	resp, err := p.client.Do(req)
	res.Elapsed = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		p.logger.Warn("site probe failed", zap.String("site", name), zap.Error(err))
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	res.OK = resp.StatusCode == http.StatusOK
	if !res.OK {
		res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	p.logger.Info("site probed",
		zap.String("site", name),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", res.Elapsed))
	return res
}
