// Package reputation resolves geolocation and a reputation score for an
// IP, supplying the DecisionEngine's ip_reputation input. It is grounded
// on the original project's GeoLocator: public/private short-circuit,
// a single external provider call, and a cache to avoid repeat lookups.
// The original's Redis-backed cache is replaced with an in-process TTL
// cache (see DESIGN.md for why no pack repo wires a Redis client).
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/meedvfx/Network-Defense-System/internal/logging"
	"github.com/meedvfx/Network-Defense-System/internal/metrics"
	"github.com/meedvfx/Network-Defense-System/internal/models"
)

const (
	lookupTimeout  = 2 * time.Second
	unknownScore   = 0.5
	defaultBaseURL = "http://ip-api.com"
)

type providerResponse struct {
	Status  string  `json:"status"`
	Country string  `json:"country"`
	City    string  `json:"city"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	ISP     string  `json:"isp"`
	ASN     string  `json:"as"`
}

// Enricher resolves geolocation and reputation for an IP, caching
// successful lookups and coalescing concurrent requests for the same key.
type Enricher struct {
	httpClient *http.Client
	baseURL    string
	ttl        time.Duration
	log        *logging.Logger

	mu    sync.Mutex
	cache map[string]models.GeoReputationEntry

	inflight   map[string]*sync.WaitGroup
	inflightMu sync.Mutex
}

// New builds an Enricher with the given cache TTL.
func New(ttl time.Duration) *Enricher {
	return newWithBaseURL(ttl, defaultBaseURL)
}

// newWithBaseURL builds an Enricher pointed at an arbitrary provider base
// URL; used by tests to substitute an httptest server for ip-api.com.
func newWithBaseURL(ttl time.Duration, baseURL string) *Enricher {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Enricher{
		httpClient: &http.Client{Timeout: lookupTimeout},
		baseURL:    baseURL,
		ttl:        ttl,
		log:        logging.EnricherLogger(),
		cache:      make(map[string]models.GeoReputationEntry),
		inflight:   make(map[string]*sync.WaitGroup),
	}
}

// Locate resolves geolocation and reputation for ip, short-circuiting
// private/loopback/link-local addresses without an external call.
func (e *Enricher) Locate(ctx context.Context, ip string) models.GeoReputationEntry {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return models.GeoReputationEntry{IPAddress: ip, IsLocal: true, ReputationScore: 0}
	}
	if isLocalAddress(parsed) {
		return models.GeoReputationEntry{IPAddress: ip, IsLocal: true, ReputationScore: 0}
	}

	if entry, ok := e.cacheGet(ip); ok {
		metrics.ReputationCacheHits.Inc()
		return entry
	}

	return e.resolveCoalesced(ctx, ip)
}

// Reputation is a convenience wrapper returning just the [0,1] score.
func (e *Enricher) Reputation(ctx context.Context, ip string) float64 {
	return e.Locate(ctx, ip).ReputationScore
}

func isLocalAddress(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified()
}

// resolveCoalesced ensures only one external call is in flight per IP at
// a time; concurrent callers for the same key wait on the same result.
func (e *Enricher) resolveCoalesced(ctx context.Context, ip string) models.GeoReputationEntry {
	e.inflightMu.Lock()
	if wg, ok := e.inflight[ip]; ok {
		e.inflightMu.Unlock()
		wg.Wait()
		if entry, ok := e.cacheGet(ip); ok {
			return entry
		}
		return models.GeoReputationEntry{IPAddress: ip, ReputationScore: unknownScore}
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	e.inflight[ip] = wg
	e.inflightMu.Unlock()

	defer func() {
		e.inflightMu.Lock()
		delete(e.inflight, ip)
		e.inflightMu.Unlock()
		wg.Done()
	}()

	return e.fetchAndCache(ctx, ip)
}

func (e *Enricher) fetchAndCache(ctx context.Context, ip string) models.GeoReputationEntry {
	resp, err := e.queryProvider(ctx, ip)
	if err != nil {
		// single retry, per the contract
		resp, err = e.queryProvider(ctx, ip)
	}
	if err != nil {
		metrics.ReputationDegradation.Inc()
		e.log.Warn("reputation lookup degraded to unknown", "ip", ip, logging.Err(err))
		return models.GeoReputationEntry{IPAddress: ip, ReputationScore: unknownScore}
	}

	now := time.Now()
	entry := models.GeoReputationEntry{
		IPAddress:       ip,
		Country:         resp.Country,
		City:            resp.City,
		Latitude:        resp.Lat,
		Longitude:       resp.Lon,
		ISP:             resp.ISP,
		ASN:             resp.ASN,
		IsLocal:         false,
		ReputationScore: scoreFor(resp),
		FetchedAt:       now,
		ExpiresAt:       now.Add(e.ttl),
	}
	e.cacheSet(ip, entry)
	return entry
}

// scoreFor derives a conservative default reputation score from a
// successful provider lookup. A richer threat-intel source can replace
// this with a real blocklist/ASN-reputation feed without changing the
// Enricher's external contract.
func scoreFor(resp providerResponse) float64 {
	return 0.1
}

func (e *Enricher) queryProvider(ctx context.Context, ip string) (providerResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/json/%s?fields=status,message,country,city,lat,lon,isp,as", e.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return providerResponse{}, fmt.Errorf("reputation: build request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return providerResponse{}, fmt.Errorf("reputation: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providerResponse{}, fmt.Errorf("reputation: provider returned status %d", resp.StatusCode)
	}

	var parsed providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return providerResponse{}, fmt.Errorf("reputation: decode response: %w", err)
	}
	if parsed.Status != "success" {
		return providerResponse{}, fmt.Errorf("reputation: provider reported failure")
	}
	return parsed, nil
}

func (e *Enricher) cacheGet(ip string) (models.GeoReputationEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[ip]
	if !ok {
		return models.GeoReputationEntry{}, false
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(e.cache, ip)
		return models.GeoReputationEntry{}, false
	}
	return entry, true
}

func (e *Enricher) cacheSet(ip string, entry models.GeoReputationEntry) {
	e.mu.Lock()
	e.cache[ip] = entry
	e.mu.Unlock()
}
