package offlinecache

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk yaml configuration.
type FileConfig struct {
	// Origin is the base URL of the origin server.
	Origin string `yaml:"origin"`
	// PathSegment is the base path anchor for resolver re-anchoring.
	PathSegment string `yaml:"pathSegment"`

	Provider   string `yaml:"provider"`   // memory | sqlite | leveldb | redis
	CachePath  string `yaml:"cachePath"`  // sqlite file or leveldb directory
	RedisAddr  string `yaml:"redisAddr"`  // host:port for the redis provider
	CapacityMB int64  `yaml:"capacityMB"` // cache capacity in MiB

	FreshForSeconds        int  `yaml:"freshForSeconds"`
	ShortForSeconds        int  `yaml:"shortForSeconds"`
	CacheAll               bool `yaml:"cacheAll"`
	UpstreamTimeoutSeconds int  `yaml:"upstreamTimeoutSeconds"`
	RefreshWorkers         int  `yaml:"refreshWorkers"`
}

// FreshFor returns the configured cacheable freshness window.
func (c FileConfig) FreshFor() time.Duration {
	return time.Duration(c.FreshForSeconds) * time.Second
}

// ShortFor returns the configured non-cacheable freshness window.
func (c FileConfig) ShortFor() time.Duration {
	return time.Duration(c.ShortForSeconds) * time.Second
}

// UpstreamTimeout returns the configured network fetch timeout.
func (c FileConfig) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

// LoadConfig reads and parses the yaml config file.
func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	if config.Origin == "" {
		return config, fmt.Errorf("config %s: origin is required", filename)
	}
	return config, nil
}

// WatchConfig watches the config file and applies origin and path segment
// changes to the proxy live, without a restart. Only the resolver settings
// are hot-reloadable; storage and policy changes need a restart.
// The returned stop function releases the watcher.
func WatchConfig(filename string, p *Proxy, logger zerolog.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filename); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				config, err := LoadConfig(filename)
				if err != nil {
					logger.Warn().Err(err).Msg("Could not reload config")
					continue
				}
				logger.Info().Str("origin", config.Origin).Msg("Config changed, applying")
				p.SetBaseURL(config.Origin)
				p.SetBasePathSegment(config.PathSegment)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
