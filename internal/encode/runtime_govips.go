//go:build govips && cgo

package encode

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

const VipsEnabled = true

var (
	runtimeOnce sync.Once
	runtimeMu   sync.Mutex
	running     bool
)

// Startup starts libvips once per process. The vips codecs and the vips
// transform surface both need it.
func Startup(cfg RuntimeConfig) error {
	cfg = cfg.withDefaults()
	runtimeOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(&vips.Config{
			ConcurrencyLevel: cfg.Concurrency,
			MaxCacheFiles:    0,
			MaxCacheMem:      cfg.CacheMemMB * 1024 * 1024,
			MaxCacheSize:     100,
		})

		runtimeMu.Lock()
		running = true
		runtimeMu.Unlock()
	})
	return nil
}

func Shutdown() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if !running {
		return
	}
	vips.Shutdown()
	running = false
}
