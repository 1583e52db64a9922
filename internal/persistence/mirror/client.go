// Package mirror copies saved snapshot files to an S3-compatible bucket
// (Cloudflare R2, MinIO, AWS S3) so a host can be rebuilt from off-site saves.
package mirror

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const (
	sigAlgorithm = "AWS4-HMAC-SHA256"
	sigRegion    = "auto"
	sigService   = "s3"
)

// Client uploads objects with SigV4 path-style PUTs.
type Client struct {
	endpoint  string
	bucket    string
	accessKey string
	secretKey string
	http      *http.Client
	now       func() time.Time
}

func NewClient(endpoint, bucket, accessKey, secretKey string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	bucket = strings.TrimSpace(bucket)
	if endpoint == "" || bucket == "" || accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("mirror: endpoint, bucket, access key and secret key are required")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("mirror: parse endpoint: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mirror: invalid endpoint %q", endpoint)
	}
	return &Client{
		endpoint:  strings.TrimRight(u.String(), "/"),
		bucket:    bucket,
		accessKey: accessKey,
		secretKey: secretKey,
		http:      &http.Client{Timeout: 2 * time.Minute},
		now:       time.Now,
	}, nil
}

// PutFile uploads the file at localPath as key.
func (c *Client) PutFile(ctx context.Context, key, localPath string) error {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return c.Put(ctx, key, body)
}

func (c *Client) Put(ctx context.Context, key string, body []byte) error {
	key = cleanKey(key)
	if key == "" {
		return fmt.Errorf("mirror: empty object key")
	}
	payloadHash := sha256Hex(body)
	now := c.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	day := now.Format("20060102")

	uri := "/" + c.bucket + "/" + escapePath(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint+uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	host := req.URL.Host
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("Content-Type", "application/octet-stream")

	const signed = "host;x-amz-content-sha256;x-amz-date"
	canonical := strings.Join([]string{
		http.MethodPut,
		uri,
		"",
		"host:" + host + "\nx-amz-content-sha256:" + payloadHash + "\nx-amz-date:" + amzDate + "\n",
		signed,
		payloadHash,
	}, "\n")
	scope := day + "/" + sigRegion + "/" + sigService + "/aws4_request"
	toSign := strings.Join([]string{sigAlgorithm, amzDate, scope, sha256Hex([]byte(canonical))}, "\n")
	sig := hex.EncodeToString(hmacSHA256(signingKey(c.secretKey, day), []byte(toSign)))
	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigAlgorithm, c.accessKey, scope, signed, sig))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	return fmt.Errorf("mirror: put %s: status %d: %s", key, resp.StatusCode, strings.TrimSpace(string(msg)))
}

func cleanKey(key string) string {
	key = strings.TrimPrefix(strings.TrimSpace(strings.ReplaceAll(key, "\\", "/")), "/")
	if key == "" {
		return ""
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "." || strings.HasPrefix(clean, "../") {
		return ""
	}
	return clean
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func signingKey(secret, day string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), []byte(day))
	k = hmacSHA256(k, []byte(sigRegion))
	k = hmacSHA256(k, []byte(sigService))
	return hmacSHA256(k, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(data)
	return h.Sum(nil)
}
