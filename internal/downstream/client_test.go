package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ssw/batchproxy/pkg/errors"
)

func TestClassify_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Sequences, 2)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(classifyResponse{
			Results: []json.RawMessage{json.RawMessage(`{"label":"a"}`), json.RawMessage(`{"label":"b"}`)},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, CompressionNone)
	results, err := c.Classify(context.Background(), [][]byte{[]byte(`{}`), []byte(`{}`)})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.JSONEq(t, `{"label":"a"}`, string(results[0]))
	assert.JSONEq(t, `{"label":"b"}`, string(results[1]))
}

func TestClassify_GzipRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))

		gzReader, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		var req classifyRequest
		require.NoError(t, json.NewDecoder(gzReader).Decode(&req))
		require.Len(t, req.Sequences, 1)

		var buf bytes.Buffer
		gzWriter := gzip.NewWriter(&buf)
		require.NoError(t, json.NewEncoder(gzWriter).Encode(classifyResponse{
			Results: []json.RawMessage{json.RawMessage(`{}`)},
		}))
		require.NoError(t, gzWriter.Close())

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/json")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, CompressionGzip)
	results, err := c.Classify(context.Background(), [][]byte{[]byte(`{}`)})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestClassify_NonOKStatusIsDownstreamProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, CompressionNone)
	_, err := c.Classify(context.Background(), [][]byte{[]byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, apperrors.DownstreamProtocol, apperrors.KindOf(err))
}

func TestClassify_LengthMismatchIsDownstreamProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(classifyResponse{Results: []json.RawMessage{json.RawMessage(`{}`)}})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, CompressionNone)
	_, err := c.Classify(context.Background(), [][]byte{[]byte(`{}`), []byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, apperrors.DownstreamProtocol, apperrors.KindOf(err))
}

func TestClassify_TransportErrorIsDownstreamTransport(t *testing.T) {
	c := New("http://127.0.0.1:1", time.Second, CompressionNone)
	_, err := c.Classify(context.Background(), [][]byte{[]byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, apperrors.DownstreamTransport, apperrors.KindOf(err))
}

func TestClassify_TimeoutIsDownstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Millisecond, CompressionNone)
	_, err := c.Classify(context.Background(), [][]byte{[]byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, apperrors.DownstreamTimeout, apperrors.KindOf(err))
}

func TestClassify_ContextDeadlineIsDownstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	c := New(srv.URL, time.Second, CompressionNone)
	_, err := c.Classify(ctx, [][]byte{[]byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, apperrors.DownstreamTimeout, apperrors.KindOf(err))
}
