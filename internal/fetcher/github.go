// Package fetcher downloads repository archives from GitHub and locates
// scannable skills inside them. Fetches are idempotent GETs, so the client
// retries transient failures a couple of times before giving up.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/skillscan/skillscan/internal/config"
	"github.com/tidwall/gjson"
)

var (
	ErrInvalidURL  = errors.New("invalid repository URL")
	ErrNotFound    = errors.New("repository not found")
	ErrRateLimited = errors.New("repository host rate limited")
	ErrUnavailable = errors.New("repository host unavailable")
)

// repoPattern accepts github.com/{owner}/{repo} with an optional scheme,
// /tree/<ref> segment, and trailing subpath.
var repoPattern = regexp.MustCompile(`^github\.com/([\w.-]+)/([\w.-]+)(?:/tree/[\w.-]+)?(?:/(.+))?$`)

// Repo is a normalized repository reference.
type Repo struct {
	Owner   string
	Name    string
	Subpath string
}

// DisplayURL reconstructs a canonical browse URL for storing with the scan.
func (r Repo) DisplayURL() string {
	if r.Subpath != "" {
		return fmt.Sprintf("https://github.com/%s/%s/tree/main/%s", r.Owner, r.Name, r.Subpath)
	}
	return fmt.Sprintf("https://github.com/%s/%s", r.Owner, r.Name)
}

// SkillName picks a human name for the scanned unit: the last subpath
// segment when one is given, otherwise the repository name.
func (r Repo) SkillName() string {
	if r.Subpath != "" {
		parts := strings.Split(r.Subpath, "/")
		return parts[len(parts)-1]
	}
	return r.Name
}

// ParseURL normalizes a user-supplied GitHub URL into a Repo.
func ParseURL(raw string) (Repo, error) {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "https://"), "http://")
	cleaned = strings.TrimSuffix(cleaned, "/")
	m := repoPattern.FindStringSubmatch(cleaned)
	if m == nil {
		return Repo{}, ErrInvalidURL
	}
	return Repo{Owner: m[1], Name: strings.TrimSuffix(m[2], ".git"), Subpath: m[3]}, nil
}

// Skill is one scannable unit auto-detected inside a repository.
type Skill struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

type Fetcher struct {
	apiBase    string
	token      string
	timeout    time.Duration
	httpClient *retryablehttp.Client
}

func New(cfg config.FetcherConfig) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	// Keep the final response even when retries are exhausted, so a
	// persistent 429 maps to rate-limited instead of a generic error.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Fetcher{
		apiBase:    "https://api.github.com",
		token:      cfg.Token,
		timeout:    cfg.Timeout,
		httpClient: client,
	}
}

// WithAPIBase overrides the GitHub API base URL. Used by tests.
func (f *Fetcher) WithAPIBase(base string) *Fetcher {
	f.apiBase = base
	return f
}

func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	resp, err := func() (*http.Response, error) {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/vnd.github.v3+json")
		req.Header.Set("User-Agent", "SkillScanner/1.0")
		if f.token != "" {
			req.Header.Set("Authorization", "Bearer "+f.token)
		}
		return f.httpClient.Do(req)
	}()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// The cancel is tied to the body: callers must close it.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// FetchArchive downloads the repository (optionally a subpath) as a zip
// archive. Failures map to typed errors the orchestrator reports distinctly:
// not-found, rate-limited, or unavailable.
func (f *Fetcher) FetchArchive(ctx context.Context, repo Repo) ([]byte, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/zipball", f.apiBase, repo.Owner, repo.Name)
	if repo.Subpath != "" {
		url += "/" + repo.Subpath
	}

	resp, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading archive: %v", ErrUnavailable, err)
	}
	return data, nil
}

// DetectSkills searches the repository for SKILL.md files and returns one
// entry per containing directory. A failed search degrades to an empty list
// rather than an error; detection is best-effort.
func (f *Fetcher) DetectSkills(ctx context.Context, repo Repo) ([]Skill, error) {
	url := fmt.Sprintf("%s/search/code?q=filename:SKILL.md+repo:%s/%s", f.apiBase, repo.Owner, repo.Name)

	resp, err := f.get(ctx, url)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil
	}

	var skills []Skill
	for _, item := range gjson.GetBytes(body, "items.#.path").Array() {
		dir := strings.TrimSuffix(item.String(), "/SKILL.md")
		if dir == "SKILL.md" || dir == "" {
			skills = append(skills, Skill{Path: "", Name: repo.Name})
			continue
		}
		parts := strings.Split(dir, "/")
		skills = append(skills, Skill{Path: dir, Name: parts[len(parts)-1]})
	}
	return skills, nil
}
