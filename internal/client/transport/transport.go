// Package transport is the client side of the chunk wire contract: one HTTP
// POST per chunk with bearer auth and index/filename headers.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dmitrijs2005/chunkrelay/internal/common"
)

// DefaultTimeout bounds every request when the caller does not set one.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is kept in TransportError.
const maxErrorBody = 4 << 10

// UploadResult is the server acknowledgement of one chunk. ActualFilename is
// empty when the server answered with a plain-text acknowledgement.
type UploadResult struct {
	Message        string `json:"message"`
	ActualFilename string `json:"actualFilename"`
	ChunkIndex     int    `json:"chunkIndex"`
	ClientFilename string `json:"clientFilename"`
}

// PublicKey is the server's active envelope key.
type PublicKey struct {
	KID       string `json:"kid"`
	PublicKey string `json:"publicKey"`
}

type Client struct {
	http *http.Client
}

// New returns a client whose requests time out after timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// NewWithHTTPClient lets tests and callers supply their own http.Client.
func NewWithHTTPClient(c *http.Client) *Client {
	return &Client{http: c}
}

type chunkRequest struct {
	contentType string
	headers     map[string]string
}

// RequestOption adjusts a single chunk request.
type RequestOption func(*chunkRequest)

// WithHeader adds a header to the chunk request.
func WithHeader(key, value string) RequestOption {
	return func(r *chunkRequest) { r.headers[key] = value }
}

// WithContentType replaces the default application/octet-stream.
func WithContentType(ct string) RequestOption {
	return func(r *chunkRequest) { r.contentType = ct }
}

// UploadChunk posts one chunk to serverURL. A 401 yields *AuthenticationError;
// any other non-2xx status or a network failure yields *TransportError.
func (c *Client) UploadChunk(ctx context.Context, serverURL string, data []byte, index int, fileName, apiKey string, opts ...RequestOption) (*UploadResult, error) {
	cr := &chunkRequest{contentType: common.ContentTypeOctetStream, headers: map[string]string{}}
	for _, o := range opts {
		o(cr)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader(data))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set(common.HeaderAuthorization, "Bearer "+apiKey)
	req.Header.Set(common.HeaderChunkIndex, strconv.Itoa(index))
	req.Header.Set(common.HeaderFileName, fileName)
	req.Header.Set("Content-Type", cr.contentType)
	for k, v := range cr.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	result := &UploadResult{ChunkIndex: index, ClientFilename: fileName}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Status: resp.Status, Err: err}
	}

	if !isJSON(resp.Header.Get("Content-Type")) {
		return result, nil
	}

	parsed := *result
	if err := json.Unmarshal(body, &parsed); err != nil {
		return result, nil
	}
	if parsed.ClientFilename == "" {
		parsed.ClientFilename = fileName
	}
	return &parsed, nil
}

// FetchPublicKey downloads the active public key from the server that owns
// uploadURL. The key endpoint is resolved relative to the upload endpoint.
func (c *Client) FetchPublicKey(ctx context.Context, uploadURL string) (*PublicKey, error) {
	target, err := sibling(uploadURL, "keys/public")
	if err != nil {
		return nil, err
	}

	var pk PublicKey
	if err := c.getJSON(ctx, target, &pk); err != nil {
		return nil, err
	}
	if pk.PublicKey == "" {
		return nil, &TransportError{Message: "server returned no public key"}
	}
	return &pk, nil
}

// Health checks the liveness endpoint next to uploadURL.
func (c *Client) Health(ctx context.Context, uploadURL string) error {
	target, err := sibling(uploadURL, "health")
	if err != nil {
		return err
	}
	var out map[string]any
	return c.getJSON(ctx, target, &out)
}

func (c *Client) getJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &TransportError{Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &TransportError{StatusCode: resp.StatusCode, Status: resp.Status, Message: "invalid JSON response", Err: err}
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := errorMessage(body)

	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthenticationError{Message: msg}
	}
	return &TransportError{StatusCode: resp.StatusCode, Status: resp.Status, Message: msg}
}

// errorMessage extracts {"error","message"} from a JSON error body, falling
// back to the raw text.
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && (e.Error != "" || e.Message != "") {
		switch {
		case e.Error != "" && e.Message != "":
			return e.Error + ": " + e.Message
		case e.Error != "":
			return e.Error
		default:
			return e.Message
		}
	}
	return string(bytes.TrimSpace(body))
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == common.ContentTypeJSON
}

func sibling(base, rel string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: invalid server url %q: %v", common.ErrConfiguration, base, err)
	}
	return u.ResolveReference(&url.URL{Path: rel}).String(), nil
}
