package debuglog

import (
	"os"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
)

const envConfigPath = "SPRAY_LOG_CONFIG"

var (
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// Load returns file-backed logging configuration when available, otherwise defaults.
func Load() logs.Config {
	if path := os.Getenv(envConfigPath); path != "" {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}

	candidates := []string{
		"./smplog.config.toml",
		"./local/smplog.config.toml",
	}

	for _, path := range candidates {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}

	return logs.DefaultConfig()
}

func Configure() {
	logs.Configure(Load())
}

func enabled() bool {
	return os.Getenv("SPRAY_DEBUG") == "1"
}

func Logf(format string, args ...any) {
	logs.Printf(format+"\n", args...)
}

func Warnf(format string, args ...any) {
	logs.Warnf(format, args...)
}

func Errorf(err error, format string, args ...any) {
	logs.Warnf(format+": %v", append(args, err)...)
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	logs.Debugf(format, args...)
}

// RateLimitedf logs at most once per interval for key. Used for drops that
// can repeat on every spray round, like a full queue.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(format, args...)
}
