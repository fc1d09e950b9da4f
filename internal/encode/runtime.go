package encode

// RuntimeConfig tunes the libvips runtime in govips builds.
type RuntimeConfig struct {
	Concurrency int
	CacheMemMB  int
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.CacheMemMB <= 0 {
		c.CacheMemMB = 128
	}
	return c
}
