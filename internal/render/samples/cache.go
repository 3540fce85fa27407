package samples

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/wavecraft/studio-core/internal/adapter/observability"
	"github.com/wavecraft/studio-core/internal/domain"
)

// Buffer is a decoded mono sample buffer.
type Buffer struct {
	Data       []float64
	SampleRate int
}

// decodeWAV is injected from the render package to avoid an import cycle.
type decodeWAV func(data []byte) (samples []float64, sampleRate, channels int, err error)

// Cache is the read-through sample cache: memory, then temp-dir file
// cache, then remote fetch. Concurrent misses for the same key coalesce
// through singleflight so exactly one fetch-and-decode runs.
type Cache struct {
	baseURL string
	dir     string
	client  *http.Client
	decode  decodeWAV

	mu     sync.RWMutex
	mem    map[string]*Buffer
	flight singleflight.Group
}

// NewCache builds a Cache. baseURL may be empty, in which case every miss
// reports not-found and the render pipeline synthesizes instead. dir
// defaults to a directory under the OS temp dir.
func NewCache(baseURL, dir string, decode func([]byte) ([]float64, int, int, error)) *Cache {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "studio-samples")
	}
	_ = os.MkdirAll(dir, 0o755)
	return &Cache{
		baseURL: strings.TrimRight(baseURL, "/"),
		dir:     dir,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		decode: decode,
		mem:    map[string]*Buffer{},
	}
}

// HasSample answers synchronously from the embedded library mapping.
func (c *Cache) HasSample(name string) bool { return HasSample(name) }

// Get returns the decoded buffer for (name, index). Misses resolve
// through the library mapping, the file cache and finally the remote
// repository; domain.ErrNotFound means the caller should synthesize.
func (c *Cache) Get(ctx context.Context, name string, index int) (*Buffer, error) {
	key := fmt.Sprintf("%s:%d", name, index)

	c.mu.RLock()
	buf, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		observability.SampleFetchTotal.WithLabelValues("hit").Inc()
		return buf, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// Re-check under the flight: a prior winner may have filled memory.
		c.mu.RLock()
		buf, ok := c.mem[key]
		c.mu.RUnlock()
		if ok {
			return buf, nil
		}
		buf, err := c.load(ctx, name, index)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.mem[key] = buf
		c.mu.Unlock()
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Buffer), nil
}

func (c *Cache) load(ctx context.Context, name string, index int) (*Buffer, error) {
	path, ok := resolvePath(name, index)
	if !ok {
		observability.SampleFetchTotal.WithLabelValues("synthesized").Inc()
		return nil, fmt.Errorf("op=samples.load: %w: unknown sample %q", domain.ErrNotFound, name)
	}

	cachePath := filepath.Join(c.dir, fmt.Sprintf("%s_%d.wav", name, index))
	if raw, err := os.ReadFile(cachePath); err == nil {
		if buf, err := c.decodeMono(raw); err == nil {
			observability.SampleFetchTotal.WithLabelValues("file_hit").Inc()
			return buf, nil
		}
		_ = os.Remove(cachePath) // corrupt cache entry
	}

	if c.baseURL == "" {
		observability.SampleFetchTotal.WithLabelValues("synthesized").Inc()
		return nil, fmt.Errorf("op=samples.load: %w: no sample repository configured", domain.ErrNotFound)
	}
	raw, err := c.fetch(ctx, c.baseURL+"/"+path)
	if err != nil {
		observability.SampleFetchTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	buf, err := c.decodeMono(raw)
	if err != nil {
		observability.SampleFetchTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := os.WriteFile(cachePath, raw, 0o644); err == nil {
		observability.SampleFetchTotal.WithLabelValues("fetched").Inc()
	}
	return buf, nil
}

func (c *Cache) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("op=samples.fetch: %w: %v", domain.ErrTransient, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=samples.fetch: %w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("op=samples.fetch url=%s: %w", url, domain.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=samples.fetch url=%s: %w: status %d", url, domain.ErrTransient, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("op=samples.fetch: %w: %v", domain.ErrTransient, err)
	}
	return raw, nil
}

// decodeMono decodes WAV data and folds multi-channel audio to mono.
func (c *Cache) decodeMono(raw []byte) (*Buffer, error) {
	data, rate, channels, err := c.decode(raw)
	if err != nil {
		return nil, err
	}
	if channels == 1 {
		return &Buffer{Data: data, SampleRate: rate}, nil
	}
	frames := len(data) / channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += data[i*channels+ch]
		}
		mono[i] = sum / float64(channels)
	}
	return &Buffer{Data: mono, SampleRate: rate}, nil
}
