package debug

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Debug output is controlled by the MIRAGEDEBUG environment variable,
// which can be a list of selectors (e.g. "SCHED;IPC").

var (
	once   sync.Once
	logger *zap.SugaredLogger
	labels map[Tselector]bool
)

func init() {
	labels = parseLabels(os.Getenv("MIRAGEDEBUG"))
}

func parseLabels(s string) map[Tselector]bool {
	m := make(map[Tselector]bool)
	if s == "" {
		return m
	}
	for _, l := range strings.Split(s, ";") {
		m[Tselector(l)] = true
	}
	return m
}

func sugared() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
		l, err := cfg.Build()
		if err != nil {
			// Fall back to a no-op logger rather than crash the kernel over
			// a broken logging pipeline.
			l = zap.NewNop()
		}
		logger = l.Sugar()
	})
	return logger
}

// enabled reports whether selector should print, given the current
// MIRAGEDEBUG filter.
func enabled(selector Tselector) bool {
	if selector == ALWAYS {
		return true
	}
	return labels[selector]
}

func DPrintf(selector Tselector, format string, v ...interface{}) {
	if !enabled(selector) {
		return
	}
	sugared().Infow(fmt.Sprintf(format, v...), "selector", string(selector))
}

// DFatalf logs at fatal level and terminates the process, mirroring
// the corpus's convention for conditions that indicate a broken
// kernel invariant rather than a caller error.
func DFatalf(format string, v ...interface{}) {
	pc, file, line, ok := runtime.Caller(1)
	msg := fmt.Sprintf(format, v...)
	if fn := runtime.FuncForPC(pc); ok && fn != nil {
		sugared().Fatalw(msg, "func", fn.Name(), "file", file, "line", line)
		return
	}
	sugared().Fatalw(msg)
}
