package core

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// KeyResolver resolves an API key to the set of topics it currently
// authorizes. An unknown or revoked key yields ErrInvalidKey; anything else
// is a transport-level failure. An empty topic set is a valid result (the
// key exists but grants nothing).
type KeyResolver interface {
	Resolve(ctx context.Context, apiKey string) ([]string, error)
}

// KeyFingerprint is a short stable digest of an API key, safe to put in
// logs. Raw credentials never leave the resolver path.
func KeyFingerprint(apiKey string) string {
	sum := blake2b.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}

// HTTPResolver queries the external authorization service:
// GET {endpoint}/keys/{key}/topics -> {"topics": [...]}. A 403 or 404 means
// the key is unknown or revoked.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPResolver(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPResolver {
	return &HTTPResolver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, apiKey string) ([]string, error) {
	fp := KeyFingerprint(apiKey)

	reqURL := fmt.Sprintf("%s/keys/%s/topics", r.endpoint, url.PathEscape(apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &ResolverError{Fingerprint: fp, Err: errors.Wrap(err, "building resolver request")}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &ResolverError{Fingerprint: fp, Err: errors.Wrap(err, "querying authorization service")}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusNotFound:
		r.logger.Debug("key rejected by authorization service", "key", fp, "status", resp.StatusCode)
		return nil, ErrInvalidKey
	default:
		return nil, &ResolverError{
			Fingerprint: fp,
			Err:         errors.Errorf("authorization service returned %d", resp.StatusCode),
		}
	}

	var body struct {
		Topics []string `json:"topics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &ResolverError{Fingerprint: fp, Err: errors.Wrap(err, "decoding resolver response")}
	}

	r.logger.Debug("key resolved", "key", fp, "topics", len(body.Topics))
	return body.Topics, nil
}

// CachingResolver caches successful resolutions for a bounded TTL.
// Failures, including invalid keys, are never cached, so a revoked key is
// re-checked on every new handshake once its cached grant expires.
type CachingResolver struct {
	inner KeyResolver
	cache *ttlcache.Cache[string, []string]
}

func NewCachingResolver(inner KeyResolver, ttl time.Duration) *CachingResolver {
	cache := ttlcache.New[string, []string](
		ttlcache.WithTTL[string, []string](ttl),
		ttlcache.WithDisableTouchOnHit[string, []string](),
	)
	go cache.Start()
	return &CachingResolver{inner: inner, cache: cache}
}

// Resolve returns a private copy of the cached grant list; callers may
// filter or reorder it without touching the cached value.
func (r *CachingResolver) Resolve(ctx context.Context, apiKey string) ([]string, error) {
	if item := r.cache.Get(apiKey); item != nil {
		return slices.Clone(item.Value()), nil
	}
	topics, err := r.inner.Resolve(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	r.cache.Set(apiKey, topics, ttlcache.DefaultTTL)
	return slices.Clone(topics), nil
}

func (r *CachingResolver) Stop() {
	r.cache.Stop()
}
