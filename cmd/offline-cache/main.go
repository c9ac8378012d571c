package main

import (
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/offline-cache/offline-cache"
	"github.com/offline-cache/offline-cache/cache"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	segmentFlag        string
	providerFlag       string
	cachePathFlag      string
	redisAddrFlag      string
	capacityFlag       int64
	cacheAllFlag       bool
	watchFlag          bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&segmentFlag, "segment", "", "Base path segment for URL re-anchoring")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache provider: memory, sqlite, leveldb or redis")
	flag.StringVar(&cachePathFlag, "cache-path", "cache.db", "Cache file (sqlite) or directory (leveldb)")
	flag.StringVar(&redisAddrFlag, "redis", "localhost:6379", "Redis address for the redis provider")
	flag.Int64Var(&capacityFlag, "capacity", 32, "Cache capacity in MiB")
	flag.BoolVar(&cacheAllFlag, "cache-all", false, "Opportunistically cache non-cacheable URLs too")
	flag.BoolVar(&watchFlag, "watch", false, "Watch the config file and apply origin changes live")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	proxyConfig := offlinecache.Config{
		CacheAll: cacheAllFlag,
		Logger:   &log.Logger,
	}

	var fileConfig offlinecache.FileConfig
	if configFilenameFlag != "" {
		var err error
		fileConfig, err = offlinecache.LoadConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not load config")
		}
		proxyConfig.BaseURL = fileConfig.Origin
		proxyConfig.BasePathSegment = fileConfig.PathSegment
		proxyConfig.FreshFor = fileConfig.FreshFor()
		proxyConfig.ShortFor = fileConfig.ShortFor()
		proxyConfig.CacheAll = proxyConfig.CacheAll || fileConfig.CacheAll
		proxyConfig.UpstreamTimeout = fileConfig.UpstreamTimeout()
		proxyConfig.RefreshWorkers = fileConfig.RefreshWorkers
		if fileConfig.Provider != "" {
			providerFlag = fileConfig.Provider
		}
		if fileConfig.CachePath != "" {
			cachePathFlag = fileConfig.CachePath
		}
		if fileConfig.RedisAddr != "" {
			redisAddrFlag = fileConfig.RedisAddr
		}
		if fileConfig.CapacityMB > 0 {
			capacityFlag = fileConfig.CapacityMB
		}
	}

	if originFlag != "" {
		proxyConfig.BaseURL = originFlag
	}
	if segmentFlag != "" {
		proxyConfig.BasePathSegment = segmentFlag
	}
	if proxyConfig.BaseURL == "" {
		log.Fatal().Msg("Please specify origin")
	}

	capacityBytes := capacityFlag << 20
	switch providerFlag {
	case "memory":
		proxyConfig.Cache = cache.NewMemCache(capacityBytes)
	case "sqlite":
		store, err := cache.NewSQLiteCache(cachePathFlag, capacityBytes)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open sqlite cache")
		}
		proxyConfig.Cache = store
	case "leveldb":
		store, err := cache.NewLevelDBCache(cachePathFlag, capacityBytes)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open leveldb cache")
		}
		proxyConfig.Cache = store
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: redisAddrFlag})
		proxyConfig.Cache = cache.NewRedisCache(client, "", 0)
	default:
		log.Fatal().Msgf("Unsupported cache provider: %s", providerFlag)
	}

	proxy := offlinecache.New(proxyConfig)
	proxy.Start()
	if proxy.ProxyURL() == "" {
		log.Fatal().Msg("Proxy did not start")
	}
	log.Info().Msgf("Proxying %s to %s", proxy.ProxyURL(), proxyConfig.BaseURL)

	if watchFlag && configFilenameFlag != "" {
		stop, err := offlinecache.WatchConfig(configFilenameFlag, proxy, log.Logger)
		if err != nil {
			log.Error().Err(err).Msg("Could not watch config")
		} else {
			defer stop()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	proxy.Close()
	if err := proxyConfig.Cache.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing cache")
	}
	// give the console writer a moment to flush
	time.Sleep(50 * time.Millisecond)
}
