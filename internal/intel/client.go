package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"provenance/internal/config"
)

// ErrBudgetExceeded is returned when a collection run would exceed (or has
// exceeded mid-run) the per-run request budget.
var ErrBudgetExceeded = errors.New("x request budget exceeded")

// ErrNotConfigured is returned when no bearer token is present.
var ErrNotConfigured = errors.New("x bearer token is not configured")

var handleRe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Post is one normalized post from any collection lane.
type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Lane      string    `json:"lane"`
}

// Collection is the result of one run over a target handle.
type Collection struct {
	Handle       string    `json:"handle"`
	UserID       string    `json:"user_id"`
	WindowDays   int       `json:"window_days"`
	CollectedAt  time.Time `json:"collected_at"`
	Posts        []Post    `json:"posts"`
	RequestsUsed int       `json:"requests_used"`
	Notes        []string  `json:"notes"`
}

type CollectOptions struct {
	Handle     string
	WindowDays int
	MaxPosts   int
	Query      string
}

// Client collects target-centered activity from the X API v2 with pagination
// and a hard per-run request budget.
type Client struct {
	cfg  config.IntelConfig
	http *http.Client
}

func NewClient(cfg config.IntelConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

// NormalizeHandle strips the leading @ and any characters X does not allow.
func NormalizeHandle(handle string) string {
	cleaned := strings.TrimPrefix(strings.TrimSpace(handle), "@")
	return handleRe.ReplaceAllString(cleaned, "")
}

// SlugHandle is the filesystem/report-safe form of a handle.
func SlugHandle(handle string) string {
	slug := strings.ToLower(NormalizeHandle(handle))
	if slug == "" {
		return "target"
	}
	return slug
}

// Collect runs the three collection lanes against the budget. The plan is
// checked up-front when the cost guard is enabled; the running counter is
// checked again before every request.
func (c *Client) Collect(ctx context.Context, opts CollectOptions) (*Collection, error) {
	handle := NormalizeHandle(opts.Handle)
	if handle == "" {
		return nil, fmt.Errorf("empty target handle")
	}
	if c.cfg.BearerToken == "" {
		return nil, ErrNotConfigured
	}

	plan := EstimatePlan(opts.MaxPosts, c.cfg.MaxPages)
	if c.cfg.CostGuardEnabled && plan.EstimatedRequests > c.cfg.MaxRequestsPerRun {
		return nil, fmt.Errorf("%w: estimated %d > budget %d",
			ErrBudgetExceeded, plan.EstimatedRequests, c.cfg.MaxRequestsPerRun)
	}

	run := &collectRun{client: c, budget: c.cfg.MaxRequestsPerRun}
	now := time.Now().UTC()
	since := now.AddDate(0, 0, -opts.WindowDays)

	userID, err := run.fetchUserID(ctx, handle)
	if err != nil {
		return nil, err
	}

	collection := &Collection{
		Handle:      handle,
		UserID:      userID,
		WindowDays:  opts.WindowDays,
		CollectedAt: now,
	}

	lanes := []struct {
		name  string
		path  string
		query url.Values
		limit int
	}{
		{"target", "/users/" + userID + "/tweets", tweetParams(since, now), plan.TargetLimit},
		{"mentions", "/users/" + userID + "/mentions", tweetParams(since, now), plan.MentionLimit},
		{"interactions", "/tweets/search/recent", searchParams(handle, opts.Query), plan.InteractionLimit},
	}
	for _, lane := range lanes {
		posts, err := run.fetchPaginated(ctx, lane.path, lane.query, lane.limit, lane.name)
		if err != nil {
			if errors.Is(err, ErrBudgetExceeded) {
				return nil, err
			}
			// Partial collection is acceptable; record the gap and continue.
			collection.Notes = append(collection.Notes, fmt.Sprintf("%s lane failed: %v", lane.name, err))
			continue
		}
		collection.Posts = append(collection.Posts, posts...)
	}

	collection.RequestsUsed = run.used
	return collection, nil
}

func tweetParams(since, until time.Time) url.Values {
	return url.Values{
		"start_time":   {since.Format(time.RFC3339)},
		"end_time":     {until.Add(-20 * time.Second).Format(time.RFC3339)},
		"tweet.fields": {"created_at,author_id"},
	}
}

func searchParams(handle, query string) url.Values {
	q := strings.TrimSpace(query)
	if q == "" {
		q = "@" + handle
	}
	return url.Values{
		"query":        {q},
		"tweet.fields": {"created_at,author_id"},
	}
}

type collectRun struct {
	client *Client
	used   int
	budget int
}

func (r *collectRun) charge() error {
	if r.client.cfg.CostGuardEnabled && r.used >= r.budget {
		return fmt.Errorf("%w: used %d of %d mid-run", ErrBudgetExceeded, r.used, r.budget)
	}
	r.used++
	return nil
}

func (r *collectRun) fetchUserID(ctx context.Context, handle string) (string, error) {
	var doc struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := r.getJSON(ctx, "/users/by/username/"+url.PathEscape(handle), nil, &doc); err != nil {
		return "", err
	}
	if doc.Data.ID == "" {
		return "", fmt.Errorf("target user %q could not be resolved", handle)
	}
	return doc.Data.ID, nil
}

func (r *collectRun) fetchPaginated(ctx context.Context, path string, params url.Values, limit int, lane string) ([]Post, error) {
	var posts []Post
	nextToken := ""
	pages := 0
	for len(posts) < limit && pages < r.client.cfg.MaxPages {
		page := url.Values{}
		for k, v := range params {
			page[k] = v
		}
		remaining := limit - len(posts)
		page.Set("max_results", fmt.Sprintf("%d", clampInt(remaining, 10, 100)))
		if nextToken != "" {
			page.Set("pagination_token", nextToken)
		}

		var doc struct {
			Data []struct {
				ID        string `json:"id"`
				AuthorID  string `json:"author_id"`
				Text      string `json:"text"`
				CreatedAt string `json:"created_at"`
			} `json:"data"`
			Meta struct {
				NextToken string `json:"next_token"`
			} `json:"meta"`
		}
		if err := r.getJSON(ctx, path, page, &doc); err != nil {
			return posts, err
		}
		for _, t := range doc.Data {
			createdAt, _ := time.Parse(time.RFC3339, t.CreatedAt)
			posts = append(posts, Post{
				ID:        t.ID,
				AuthorID:  t.AuthorID,
				Text:      t.Text,
				CreatedAt: createdAt,
				Lane:      lane,
			})
		}
		pages++
		nextToken = doc.Meta.NextToken
		if nextToken == "" || len(doc.Data) == 0 {
			break
		}
	}
	return posts, nil
}

func (r *collectRun) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if err := r.charge(); err != nil {
		return err
	}

	endpoint := strings.TrimRight(r.client.cfg.APIBaseURL, "/") + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.client.cfg.BearerToken)
	req.Header.Set("User-Agent", "provenance-intel-collector/0.1")

	resp, err := r.client.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("x api HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return json.Unmarshal(body, out)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
