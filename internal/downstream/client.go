// Package downstream implements the stateless caller of the classification
// endpoint: send a list of items, receive a list of results of equal length
// in corresponding order. The client never retries; it only classifies the
// outcome into the three kinds spec.md §4.5/§7 define.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	apperrors "github.com/ssw/batchproxy/pkg/errors"
)

// Compression selects whether batch payloads are gzip-compressed in
// transit. It is a constructor option, not part of the wire contract spec.md
// describes, so the default leaves the contract untouched.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
)

type classifyRequest struct {
	Sequences []json.RawMessage `json:"sequences"`
}

type classifyResponse struct {
	Results []json.RawMessage `json:"results"`
}

// Client is the stateless downstream caller. Its only state is a
// configured endpoint, timeout, and HTTP transport.
type Client struct {
	url         string
	httpClient  *http.Client
	compression Compression
}

// New builds a Client. timeout of zero disables the optional Timeout error
// kind; a round trip then blocks for as long as the underlying transport
// allows.
func New(url string, timeout time.Duration, compression Compression) *Client {
	return &Client{
		url:         url,
		httpClient:  &http.Client{Timeout: timeout},
		compression: compression,
	}
}

// Classify sends items to the downstream /classify endpoint and returns the
// same-length list of raw result objects, in order. Errors are always
// *errors.Error: a failed round trip has Kind DownstreamTransport,
// DownstreamProtocol, or DownstreamTimeout, and a failure to build the
// request has Kind Internal.
func (c *Client) Classify(ctx context.Context, items [][]byte) ([]json.RawMessage, error) {
	sequences := make([]json.RawMessage, len(items))
	for i, item := range items {
		sequences[i] = json.RawMessage(item)
	}

	body, err := json.Marshal(classifyRequest{Sequences: sequences})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "downstream.Classify", err)
	}

	reqBody, contentEncoding, err := c.encode(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "downstream.Classify", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "downstream.Classify", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
		req.Header.Set("Accept-Encoding", contentEncoding)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeoutErr(err) {
			return nil, apperrors.Wrap(apperrors.DownstreamTimeout, "downstream.Classify", err)
		}
		return nil, apperrors.Wrap(apperrors.DownstreamTransport, "downstream.Classify", err)
	}
	defer resp.Body.Close()

	respReader, err := c.decodeReader(resp)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.DownstreamProtocol, "downstream.Classify", err)
	}

	raw, err := io.ReadAll(respReader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.DownstreamTransport, "downstream.Classify", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.New(apperrors.DownstreamProtocol, "downstream.Classify",
			fmt.Sprintf("downstream returned status %d", resp.StatusCode))
	}

	var parsed classifyResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.DownstreamProtocol, "downstream.Classify", err)
	}

	if len(parsed.Results) != len(items) {
		return nil, apperrors.New(apperrors.DownstreamProtocol, "downstream.Classify",
			fmt.Sprintf("expected %d results, got %d", len(items), len(parsed.Results)))
	}

	return parsed.Results, nil
}

func (c *Client) encode(body []byte) ([]byte, string, error) {
	if c.compression != CompressionGzip {
		return body, "", nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "gzip", nil
}

func (c *Client) decodeReader(resp *http.Response) (io.Reader, error) {
	if c.compression != CompressionGzip || resp.Header.Get("Content-Encoding") != "gzip" {
		return resp.Body, nil
	}
	return gzip.NewReader(resp.Body)
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}
