package river

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Compile-time check: SignedURLClient implements DownloadLinker.
var _ DownloadLinker = (*SignedURLClient)(nil)

// StorageConfig holds the object storage settings for signed downloads.
type StorageConfig struct {
	BaseURL    string
	ServiceKey string
	Bucket     string
}

// SignedURLClient obtains time-limited signed URLs from the object
// storage provider. Calls go through a circuit breaker: when storage is
// down, notification emails degrade to linkless rather than piling up
// blocked requests.
type SignedURLClient struct {
	cfg     StorageConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[string]
}

// NewSignedURLClient creates a storage client for the given provider.
func NewSignedURLClient(cfg StorageConfig) *SignedURLClient {
	settings := gobreaker.Settings{
		Name:    "object-storage",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}

	return &SignedURLClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[string](settings),
	}
}

// SignedURL requests a signed URL for a stored object, valid for ttl.
func (c *SignedURLClient) SignedURL(ctx context.Context, fileKey string, ttl time.Duration) (string, error) {
	return c.breaker.Execute(func() (string, error) {
		return c.sign(ctx, fileKey, ttl)
	})
}

func (c *SignedURLClient) sign(ctx context.Context, fileKey string, ttl time.Duration) (string, error) {
	body, err := json.Marshal(map[string]int{"expiresIn": int(ttl.Seconds())})
	if err != nil {
		return "", fmt.Errorf("encoding sign request: %w", err)
	}

	url := fmt.Sprintf("%s/object/sign/%s/%s",
		strings.TrimSuffix(c.cfg.BaseURL, "/"), c.cfg.Bucket, fileKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.ServiceKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting signed url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage returned %d for %s", resp.StatusCode, fileKey)
	}

	var out struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding sign response: %w", err)
	}

	if out.SignedURL == "" {
		return "", fmt.Errorf("storage returned empty signed url for %s", fileKey)
	}

	// The provider answers with a bucket-relative path.
	if strings.HasPrefix(out.SignedURL, "/") {
		return strings.TrimSuffix(c.cfg.BaseURL, "/") + out.SignedURL, nil
	}
	return out.SignedURL, nil
}
