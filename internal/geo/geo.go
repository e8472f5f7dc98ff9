// Package geo resolves IP addresses to approximate locations using the
// ip-api.com service, with an LRU cache in front so repeated lookups
// for the same address stay local.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"majordomo/internal/httpkit"
)

// DefaultBaseURL is the ip-api.com JSON endpoint.
const DefaultBaseURL = "http://ip-api.com/json"

// cacheTTL bounds how long a cached location is served before the
// address is resolved again. IP assignments move; a day is stale enough.
const cacheTTL = 24 * time.Hour

// Location is the resolved geography for an IP address.
type Location struct {
	IP          string  `json:"ip"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	Lat         float64 `json:"lat,omitempty"`
	Lon         float64 `json:"lon,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
}

type cacheEntry struct {
	loc       *Location
	fetchedAt time.Time
}

// Resolver looks up IP locations with caching.
type Resolver struct {
	client  *http.Client
	baseURL string
	cache   *lru.Cache[string, cacheEntry]
	now     func() time.Time
}

// NewResolver creates a Resolver with a cache of the given size.
func NewResolver(cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	cache, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create geo cache: %w", err)
	}
	return &Resolver{
		client:  httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
		baseURL: DefaultBaseURL,
		cache:   cache,
		now:     time.Now,
	}, nil
}

// SetBaseURL overrides the lookup endpoint. Used in tests.
func (r *Resolver) SetBaseURL(u string) {
	r.baseURL = u
}

// ipAPIResponse mirrors the ip-api.com JSON payload.
type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Query       string  `json:"query"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
	Timezone    string  `json:"timezone"`
}

// Lookup resolves an IP address. An empty ip resolves the caller's own
// public address. Successful lookups are cached for a day; failures
// are not cached.
func (r *Resolver) Lookup(ctx context.Context, ip string) (*Location, error) {
	if entry, ok := r.cache.Get(ip); ok {
		if r.now().Sub(entry.fetchedAt) < cacheTTL {
			return entry.loc, nil
		}
		r.cache.Remove(ip)
	}

	url := r.baseURL
	if ip != "" {
		url += "/" + ip
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("geo: build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo: lookup %q: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo: lookup %q: status %d: %s", ip, resp.StatusCode,
			httpkit.ReadErrorBody(resp.Body, 512))
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("geo: decode response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("geo: lookup %q failed: %s", ip, body.Message)
	}

	loc := &Location{
		IP:          body.Query,
		Country:     body.Country,
		CountryCode: body.CountryCode,
		Region:      body.RegionName,
		City:        body.City,
		Lat:         body.Lat,
		Lon:         body.Lon,
		ISP:         body.ISP,
		Timezone:    body.Timezone,
	}
	r.cache.Add(ip, cacheEntry{loc: loc, fetchedAt: r.now()})
	return loc, nil
}

// CacheLen reports the number of cached locations.
func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}
