// Package upstream fetches the daily briefing image from the briefing API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"briefbot/internal/briefing"
	logx "briefbot/pkg/logx"
)

// ErrFetch wraps every failure that leaves the caller without an image URL.
var ErrFetch = errors.New("briefing fetch failed")

const (
	DefaultAPIURL   = "https://know.zousanzy.cn/60/"
	DefaultTimeout  = 15 * time.Second
	DefaultFileName = "briefing.jpg"

	maxBodyBytes     = 1 << 20
	maxDownloadBytes = 20 << 20
	userAgent        = "briefbot/1"
)

type Config struct {
	APIURL   string
	Timeout  time.Duration
	Dir      string // download directory on Fs; empty uses a process temp dir
	FileName string
}

// Client implements briefing.Fetcher. The download always lands on the same
// file name, so overlapping Fetch calls share one round trip instead of
// racing on that file.
type Client struct {
	cfg    Config
	http   *http.Client
	fs     afero.Fs
	log    logx.Logger
	now    func() time.Time
	flight singleflight.Group
}

type Option func(*Client)

// WithHTTPClient replaces the default client (timeouts still come from Config).
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

// WithFs sets the filesystem downloads are written to.
func WithFs(fs afero.Fs) Option { return func(cl *Client) { cl.fs = fs } }

func New(cfg Config, log logx.Logger, opts ...Option) *Client {
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
		fs:   afero.NewOsFs(),
		log:  log,
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.cfg.Dir == "" {
		c.cfg.Dir = filepath.Join(os.TempDir(), "briefbot")
	}
	return c
}

// Dir is where the downloaded image is written.
func (c *Client) Dir() string { return c.cfg.Dir }

type apiResponse struct {
	Images []struct {
		Path string `json:"path"`
	} `json:"images"`
}

// Fetch asks the API for today's image and tries to download it. A failed
// download still returns the remote URL so the sink can fetch it itself.
// Callers arriving while a fetch is in flight get its result. The shared
// fetch ignores cancellation of whoever started it; each request inside is
// bounded by Config.Timeout, and a caller whose ctx ends stops waiting.
func (c *Client) Fetch(ctx context.Context) (briefing.Artifact, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan("fetch", func() (any, error) {
		return c.fetchOnce(detached)
	})
	select {
	case <-ctx.Done():
		return briefing.Artifact{}, fmt.Errorf("%w: %w", ErrFetch, ctx.Err())
	case res := <-ch:
		if res.Shared {
			c.log.Debug("joined in-flight briefing fetch")
		}
		art, _ := res.Val.(briefing.Artifact)
		return art, res.Err
	}
}

func (c *Client) fetchOnce(ctx context.Context) (briefing.Artifact, error) {
	imgURL, err := c.lookup(ctx)
	if err != nil {
		c.log.Warn("briefing lookup failed", logx.String("api_url", c.cfg.APIURL), logx.Err(err))
		return briefing.Artifact{}, err
	}
	art := briefing.Artifact{URL: imgURL, FetchedAt: c.now()}

	p, n, err := c.download(ctx, imgURL)
	if err != nil {
		c.log.Warn("briefing download failed; falling back to remote url",
			logx.String("url", imgURL),
			logx.Err(err),
		)
		return art, nil
	}
	art.Path = p
	c.log.Debug("briefing downloaded", logx.String("path", p), logx.Int64("bytes", n))
	return art, nil
}

func (c *Client) lookup(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return "", fmt.Errorf("%w: http=%d", ErrFetch, resp.StatusCode)
	}

	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrFetch, err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("%w: response has no images", ErrFetch)
	}
	raw := strings.TrimSpace(out.Images[0].Path)
	if raw == "" {
		return "", fmt.Errorf("%w: images[0].path is empty", ErrFetch)
	}
	return c.resolve(raw)
}

// resolve makes relative image paths absolute against the API URL.
func (c *Client) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: bad image path %q: %v", ErrFetch, raw, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(c.cfg.APIURL)
	if err != nil {
		return "", fmt.Errorf("%w: bad api url: %v", ErrFetch, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) download(ctx context.Context, imgURL string) (string, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imgURL, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", 0, fmt.Errorf("download http=%d", resp.StatusCode)
	}

	if err := c.fs.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create download dir: %w", err)
	}
	final := filepath.Join(c.cfg.Dir, c.cfg.FileName)
	tmp := final + ".part"

	f, err := c.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", tmp, err)
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, maxDownloadBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxDownloadBytes {
		err = fmt.Errorf("image larger than %d bytes", maxDownloadBytes)
	}
	if err == nil && n == 0 {
		err = errors.New("empty image body")
	}
	if err != nil {
		_ = c.fs.Remove(tmp)
		return "", 0, err
	}
	if err := c.fs.Rename(tmp, final); err != nil {
		_ = c.fs.Remove(tmp)
		return "", 0, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return final, n, nil
}
