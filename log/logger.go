package log

import (
	"io"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache
var defaultLoggerCacheExpiry = 6 * time.Hour

// Swappable so tests can capture output.
var logDestination io.Writer = os.Stderr

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// Permanently add context to the logger. Any future logging for this ID will
// include this context. The ID is a request ID on the HTTP path and a job ID
// on the worker path.
func AddContext(id string, keyvals ...interface{}) {
	loggerCache.Set(id, kitlog.With(getLogger(id), redactKeyvals(keyvals...)...), defaultLoggerCacheExpiry)
}

func Log(id string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(id), "msg", message).Log(redactKeyvals(keyvals...)...)
}

// Log in situations where we don't have access to a request or job ID.
// Should be used sparingly and with as much context inserted into the message
// as possible
func LogNoRequestID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(redactKeyvals(keyvals...)...)
}

func LogError(id string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(id), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", err.Error())
	_ = errLogger.Log(redactKeyvals(keyvals...)...)
}

func getLogger(id string) kitlog.Logger {
	logger, found := loggerCache.Get(id)
	if found {
		return logger.(kitlog.Logger)
	}

	newLogger := kitlog.With(newLogger(), "request_id", id)
	err := loggerCache.Add(id, newLogger, defaultLoggerCacheExpiry)
	if err != nil {
		_ = newLogger.Log("msg", "error adding logger to cache", "request_id", id)
	}
	return newLogger
}

func newLogger() kitlog.Logger {
	newLogger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(logDestination))
	return kitlog.With(newLogger, "ts", kitlog.DefaultTimestampUTC)
}
