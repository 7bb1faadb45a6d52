// Package blob uploads listing images to an object storage bucket over the
// storage REST API (POST /object/{bucket}/{key}) and hands back the
// object's public URL.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	kiterr "github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/logging"
)

const component = "blob"

// Config holds the object storage settings.
type Config struct {
	// BaseURL of the storage API, e.g. https://project.example.co/storage/v1
	BaseURL string

	// Bucket holding listing images. Default: "itemimgs"
	Bucket string

	// APIKey is sent as a bearer token and as the apikey header.
	APIKey string

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout for one upload request. Default: 30s
	Timeout time.Duration

	// UploadRate limits uploads per second. Default: 2
	UploadRate rate.Limit

	// UploadBurst. Default: 4
	UploadBurst int

	// MaxSize rejects larger images before uploading. Default: 10 MiB
	MaxSize int

	// Logger; defaults to the package default.
	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.Bucket == "" {
		c.Bucket = "itemimgs"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.UploadRate == 0 {
		c.UploadRate = 2
	}
	if c.UploadBurst == 0 {
		c.UploadBurst = 4
	}
	if c.MaxSize == 0 {
		c.MaxSize = 10 << 20
	}
}

// DefaultConfig returns a configuration for baseURL with sensible defaults.
func DefaultConfig(baseURL, apiKey string) *Config {
	c := &Config{BaseURL: baseURL, APIKey: apiKey}
	c.setDefaults()
	return c
}

// Store implements interfaces.BlobStore.
type Store struct {
	config  Config
	base    *url.URL
	limiter *rate.Limiter
	logger  *logging.Logger
}

var _ interfaces.BlobStore = (*Store)(nil)

// New creates a Store.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	cfg := *config
	cfg.setDefaults()

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid storage base URL %q", cfg.BaseURL)
	}

	return &Store{
		config:  cfg,
		base:    base,
		limiter: rate.NewLimiter(cfg.UploadRate, cfg.UploadBurst),
		logger:  logging.OrDefault(cfg.Logger).WithComponent(logging.Component(component)),
	}, nil
}

// ObjectURL is where an object is uploaded.
func (s *Store) ObjectURL(key string) string {
	return s.base.JoinPath("object", s.config.Bucket, key).String()
}

// PublicURL is where an uploaded object can be fetched without credentials.
func (s *Store) PublicURL(key string) string {
	return s.base.JoinPath("object", "public", s.config.Bucket, key).String()
}

// UploadBlob stores data under a new time-ordered key and returns its
// public URL. Failed uploads are not retried.
func (s *Store) UploadBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", kiterr.NewUploadError(kiterr.OpUpload, fmt.Errorf("empty image"))
	}
	if len(data) > s.config.MaxSize {
		return "", kiterr.NewUploadError(kiterr.OpUpload,
			fmt.Errorf("image is %d bytes, limit is %d", len(data), s.config.MaxSize))
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", kiterr.NewUploadError(kiterr.OpUpload, err)
	}

	key := ulid.Make().String() + extension(contentType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ObjectURL(key), bytes.NewReader(data))
	if err != nil {
		return "", kiterr.NewUploadError(kiterr.OpUpload, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
		req.Header.Set("apikey", s.config.APIKey)
	}

	start := time.Now()
	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return "", kiterr.NewUploadError(kiterr.OpUpload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", kiterr.NewUploadError(kiterr.OpUpload,
			fmt.Errorf("upload %s: status %d: %s", key, resp.StatusCode, strings.TrimSpace(string(body))))
	}
	io.Copy(io.Discard, resp.Body)

	s.logger.Debug("image uploaded",
		slog.String("key", key),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", time.Since(start)))
	return s.PublicURL(key), nil
}

func extension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/jpeg", "image/jpg", "":
		return ".jpg"
	default:
		return ".bin"
	}
}
