package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"donut/logger"

	"github.com/redis/go-redis/v9"
)

type Profile struct {
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	PfpURL      string `json:"pfpUrl,omitempty"`
}

// ProfileLookup resolves wallet addresses to social profiles. It is
// best-effort: any failure leaves the address unresolved.
type ProfileLookup struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   *redis.Client
	ttl     time.Duration
}

func NewProfileLookup(baseURL, apiKey string, cache *redis.Client) *ProfileLookup {
	return &ProfileLookup{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Second},
		cache:   cache,
		ttl:     time.Hour,
	}
}

func cacheKey(addr string) string {
	return "profile:" + addr
}

// Lookup returns the profiles it could resolve, keyed by lowercase address.
func (p *ProfileLookup) Lookup(ctx context.Context, addrs []string) map[string]Profile {
	out := make(map[string]Profile)
	if p == nil || p.baseURL == "" || len(addrs) == 0 {
		return out
	}

	var missing []string
	for _, a := range addrs {
		a = strings.ToLower(a)
		if prof, ok := p.cached(ctx, a); ok {
			if prof.Username != "" {
				out[a] = prof
			}
			continue
		}
		missing = append(missing, a)
	}
	if len(missing) == 0 {
		return out
	}

	fetched, err := p.fetch(ctx, missing)
	if err != nil {
		logger.Warn("⚠️  profile lookup failed: %v", err)
		return out
	}

	for _, a := range missing {
		prof := fetched[a]
		// Unknown addresses are cached empty so they are not asked again.
		p.store(ctx, a, prof)
		if prof.Username != "" {
			out[a] = prof
		}
	}
	return out
}

func (p *ProfileLookup) cached(ctx context.Context, addr string) (Profile, bool) {
	if p.cache == nil {
		return Profile{}, false
	}
	raw, err := p.cache.Get(ctx, cacheKey(addr)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Debug("profile cache get %s: %v", addr, err)
		}
		return Profile{}, false
	}
	var prof Profile
	if err := json.Unmarshal(raw, &prof); err != nil {
		return Profile{}, false
	}
	return prof, true
}

func (p *ProfileLookup) store(ctx context.Context, addr string, prof Profile) {
	if p.cache == nil {
		return
	}
	raw, _ := json.Marshal(prof)
	if err := p.cache.Set(ctx, cacheKey(addr), raw, p.ttl).Err(); err != nil {
		logger.Debug("profile cache set %s: %v", addr, err)
	}
}

func (p *ProfileLookup) fetch(ctx context.Context, addrs []string) (map[string]Profile, error) {
	u := p.baseURL + "?addresses=" + url.QueryEscape(strings.Join(addrs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("x-api-key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile api status %d", resp.StatusCode)
	}

	// address -> users linked to it; the first one wins
	var body map[string][]struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		PfpURL      string `json:"pfp_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode profile response: %w", err)
	}

	out := make(map[string]Profile, len(body))
	for addr, users := range body {
		if len(users) == 0 {
			continue
		}
		out[strings.ToLower(addr)] = Profile{
			Username:    users[0].Username,
			DisplayName: users[0].DisplayName,
			PfpURL:      users[0].PfpURL,
		}
	}
	return out, nil
}
