package samples_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecraft/studio-core/internal/domain"
	"github.com/wavecraft/studio-core/internal/render"
	"github.com/wavecraft/studio-core/internal/render/samples"
)

func testWAV(t *testing.T, channels int) []byte {
	t.Helper()
	data := make([]float64, 64*channels)
	for i := range data {
		data[i] = 0.5
	}
	raw, err := render.EncodeWAV(data, 44100, channels)
	require.NoError(t, err)
	return raw
}

func newSampleServer(t *testing.T, body []byte, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(10 * time.Millisecond) // widen the coalescing window
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCache_FetchThenMemoryHit(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := newSampleServer(t, testWAV(t, 1), &hits)
	cache := samples.NewCache(srv.URL, t.TempDir(), render.DecodeWAV)

	buf, err := cache.Get(context.Background(), "bd", 0)
	require.NoError(t, err)
	assert.Equal(t, 44100, buf.SampleRate)
	assert.Len(t, buf.Data, 64)
	assert.EqualValues(t, 1, hits.Load())

	again, err := cache.Get(context.Background(), "bd", 0)
	require.NoError(t, err)
	assert.Same(t, buf, again)
	assert.EqualValues(t, 1, hits.Load())
}

func TestCache_ConcurrentMissesCoalesce(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := newSampleServer(t, testWAV(t, 1), &hits)
	cache := samples.NewCache(srv.URL, t.TempDir(), render.DecodeWAV)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), "sd", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, hits.Load())
}

func TestCache_FileCacheSurvivesRestart(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := newSampleServer(t, testWAV(t, 1), &hits)
	dir := t.TempDir()

	first := samples.NewCache(srv.URL, dir, render.DecodeWAV)
	_, err := first.Get(context.Background(), "hh", 0)
	require.NoError(t, err)
	srv.Close()

	// A fresh cache over the same directory must not need the network.
	second := samples.NewCache(srv.URL, dir, render.DecodeWAV)
	buf, err := second.Get(context.Background(), "hh", 0)
	require.NoError(t, err)
	assert.Len(t, buf.Data, 64)
	assert.EqualValues(t, 1, hits.Load())
}

func TestCache_UnknownSampleNotFound(t *testing.T) {
	t.Parallel()
	cache := samples.NewCache("http://example.invalid", t.TempDir(), render.DecodeWAV)
	_, err := cache.Get(context.Background(), "vuvuzela", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCache_NoRepositoryNotFound(t *testing.T) {
	t.Parallel()
	cache := samples.NewCache("", t.TempDir(), render.DecodeWAV)
	_, err := cache.Get(context.Background(), "bd", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCache_RemoteErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bd/bd_0.wav" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	cache := samples.NewCache(srv.URL, t.TempDir(), render.DecodeWAV)

	_, err := cache.Get(context.Background(), "bd", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = cache.Get(context.Background(), "sd", 0)
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestCache_StereoFoldsToMono(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := newSampleServer(t, testWAV(t, 2), &hits)
	cache := samples.NewCache(srv.URL, t.TempDir(), render.DecodeWAV)

	buf, err := cache.Get(context.Background(), "cp", 0)
	require.NoError(t, err)
	assert.Len(t, buf.Data, 64)
	assert.InDelta(t, 0.5, buf.Data[0], 1e-3)
}

func TestCache_HasSample(t *testing.T) {
	t.Parallel()
	cache := samples.NewCache("", t.TempDir(), render.DecodeWAV)
	assert.True(t, cache.HasSample("bd"))
	assert.False(t, cache.HasSample("vuvuzela"))
}

func TestCache_IndexWrapsOverVariations(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := newSampleServer(t, testWAV(t, 1), &hits)
	cache := samples.NewCache(srv.URL, t.TempDir(), render.DecodeWAV)

	// oh has a single variation, so index 5 resolves to the same file.
	a, err := cache.Get(context.Background(), "oh", 5)
	require.NoError(t, err)
	require.NotNil(t, a)
}
