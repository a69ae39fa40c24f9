package downloader

import (
	"context"
	"time"

	"github.com/stopboard/stopboard/cache"
)

// MemoryDownloader is the default Downloader: plain HTTP fetches,
// with responses memoized per URL when the caller asks for caching.
type MemoryDownloader struct {
	responses *cache.Cache

	// Overridable for tests.
	TimeNow func() time.Time
}

func NewMemory() *MemoryDownloader {
	d := &MemoryDownloader{
		responses: cache.New(),
		TimeNow:   time.Now,
	}
	d.responses.TimeNow = func() time.Time { return d.TimeNow() }
	return d
}

func (d *MemoryDownloader) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	if !options.Cache {
		return HTTPGet(ctx, url, headers, options)
	}

	return cache.Cached(d.responses, url, options.CacheTTL, func() ([]byte, error) {
		return HTTPGet(ctx, url, headers, options)
	})
}
