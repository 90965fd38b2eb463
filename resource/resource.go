// Package resource resolves the references found in manifests against the
// manifest that contains them and fetches what they point to.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrTooLarge          = errors.New("resource too large")
)

const DefaultMaxSize = 16 << 20

type Resolver struct {
	client  *http.Client
	maxSize int64
	log     *zap.Logger
}

type Option func(*Resolver)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		if c != nil {
			r.client = c
		}
	}
}

// WithMaxSize bounds the size of a fetched resource.
func WithMaxSize(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxSize = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

func New(opts ...Option) *Resolver {
	r := &Resolver{
		client:  &http.Client{Timeout: 30 * time.Second},
		maxSize: DefaultMaxSize,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns ref as an absolute URL, interpreting a relative ref
// against base. Plain filesystem paths become file URLs.
func (r *Resolver) Resolve(_ context.Context, base, ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", ref, err)
	}
	if refURL.IsAbs() {
		if err := checkScheme(refURL.Scheme); err != nil {
			return "", err
		}
		return refURL.String(), nil
	}
	if base == "" {
		return FileURL(ref)
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	if !baseURL.IsAbs() {
		fileBase, err := FileURL(base)
		if err != nil {
			return "", err
		}
		baseURL, _ = url.Parse(fileBase)
	}
	resolved := baseURL.ResolveReference(refURL).String()
	r.log.Debug("resolved reference", zap.String("base", base), zap.String("ref", ref), zap.String("url", resolved))
	return resolved, nil
}

// Fetch reads the resource at rawURL.
func (r *Resolver) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file":
		return r.readFile(filepath.FromSlash(u.Path))
	case "http", "https":
		return r.get(ctx, u.String())
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func (r *Resolver) readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > r.maxSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, info.Size())
	}
	return os.ReadFile(path)
}

func (r *Resolver) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if int64(len(body)) > r.maxSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, rawURL)
	}
	return body, nil
}

// FileURL turns a filesystem path into an absolute file URL.
func FileURL(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func checkScheme(scheme string) error {
	switch scheme {
	case "file", "http", "https":
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
}
