package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// SupabaseRelocator implements Relocator on the Supabase Storage REST API.
type SupabaseRelocator struct {
	base   string // Project URL, e.g. https://xyz.supabase.co
	key    string // Service-role key
	bucket string
	hc     *http.Client
}

// NewSupabaseRelocator creates a relocator for one bucket.
func NewSupabaseRelocator(projectURL, serviceKey, bucket string) *SupabaseRelocator {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &SupabaseRelocator{
		base:   strings.TrimSuffix(projectURL, "/"),
		key:    serviceKey,
		bucket: bucket,
		hc:     &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// post sends a JSON body to a storage endpoint and decodes a JSON reply into out when non-nil.
func (c *SupabaseRelocator) post(ctx context.Context, endpoint string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/storage/v1"+endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("apikey", c.key)

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusNotFound:
		return ErrObjectNotFound
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		// Storage reports a missing object as a 400 with a "not_found" error body
		if resp.StatusCode == http.StatusBadRequest && bytes.Contains(bytes.ToLower(msg), []byte("not_found")) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("storage %s failed: %s: %s", endpoint, resp.Status, strings.TrimSpace(string(msg)))
	}
}

// Move renames an object within the bucket. Storage performs the rename server-side.
func (c *SupabaseRelocator) Move(ctx context.Context, src, dst string) error {
	err := c.post(ctx, "/object/move", map[string]string{
		"bucketId":       c.bucket,
		"sourceKey":      src,
		"destinationKey": dst,
	}, nil)
	if err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	return nil
}

// SignedURL asks Storage for a signed download URL valid for ttl.
func (c *SupabaseRelocator) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	var out struct {
		SignedURL string `json:"signedURL"`
	}
	err := c.post(ctx, "/object/sign/"+c.bucket+"/"+escapePath(path), map[string]int64{
		"expiresIn": int64(ttl.Seconds()),
	}, &out)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", path, err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("sign %s: empty signed URL", path)
	}
	return c.base + "/storage/v1" + out.SignedURL, nil
}

// PublicURL returns the public-bucket URL of path.
func (c *SupabaseRelocator) PublicURL(path string) string {
	return c.base + "/storage/v1/object/public/" + c.bucket + "/" + escapePath(path)
}
