// Package codeforces polls the public Codeforces API for upcoming contests
// and announces them on the message bus.
package codeforces

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://codeforces.com/api"

// PhaseBefore marks contests that have not started yet.
const PhaseBefore = "BEFORE"

// The API allows one call every two seconds per client.
const defaultRequestInterval = 2 * time.Second

// Contest is one entry of contest.list.
type Contest struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	Phase            string `json:"phase"`
	Frozen           bool   `json:"frozen"`
	DurationSeconds  int64  `json:"durationSeconds"`
	StartTimeSeconds int64  `json:"startTimeSeconds"`
	WebsiteURL       string `json:"websiteUrl,omitempty"`
}

// StartTime returns the start as a UTC time.
func (c Contest) StartTime() time.Time {
	return time.Unix(c.StartTimeSeconds, 0).UTC()
}

// URL is the contest page, falling back to the standard contest path when
// the API did not provide one.
func (c Contest) URL() string {
	if c.WebsiteURL != "" {
		return c.WebsiteURL
	}
	return fmt.Sprintf("https://codeforces.com/contests/%d", c.ID)
}

type apiResponse struct {
	Status  string          `json:"status"`
	Comment string          `json:"comment,omitempty"`
	Result  json.RawMessage `json:"result"`
}

// Client calls the Codeforces API. Requests are paced by a token bucket so
// tight polling loops cannot exceed the API's call limit.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(defaultRequestInterval), 1),
	}
}

// WithLimiter replaces the request pacing, mostly for tests.
func (c *Client) WithLimiter(l *rate.Limiter) *Client {
	c.limiter = l
	return c
}

// UpcomingContests returns contests in the BEFORE phase ordered by start
// time, earliest first.
func (c *Client) UpcomingContests(ctx context.Context) ([]Contest, error) {
	var all []Contest
	if err := c.call(ctx, "contest.list", &all); err != nil {
		return nil, err
	}

	upcoming := make([]Contest, 0, len(all))
	for _, contest := range all {
		if contest.Phase == PhaseBefore {
			upcoming = append(upcoming, contest)
		}
	}
	sort.SliceStable(upcoming, func(i, j int) bool {
		return upcoming[i].StartTimeSeconds < upcoming[j].StartTimeSeconds
	})
	return upcoming, nil
}

func (c *Client) call(ctx context.Context, method string, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("codeforces: %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+method, nil)
	if err != nil {
		return fmt.Errorf("codeforces: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("codeforces: %s: request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("codeforces: %s: read body: %w", method, err)
	}

	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("codeforces: %s: API error %d: %s", method, resp.StatusCode, truncate(body, 200))
		}
		return fmt.Errorf("codeforces: %s: decode: %w", method, err)
	}
	if ar.Status != "OK" {
		return fmt.Errorf("codeforces: %s: status %q: %s", method, ar.Status, ar.Comment)
	}
	if err := json.Unmarshal(ar.Result, result); err != nil {
		return fmt.Errorf("codeforces: %s: decode result: %w", method, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
