// Package log provides the process-wide leveled logger shared by every
// shardstore daemon component. It mirrors the call shape of cubefs's
// util/log package (LogDebug/LogInfo/LogWarn/LogError/LogFatal) but backs
// each level with a lumberjack rotating writer instead of a hand-rolled
// daily rollover.
package log

import (
	"fmt"
	"log"
	"os"
	"path"
	"runtime"
	"strconv"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Level uint8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelPrefixes = [...]string{"[DEBUG]", "[INFO.]", "[WARN.]", "[ERROR]", "[FATAL]"}

const (
	defaultMaxSizeMB  = 128
	defaultMaxBackups = 8
	defaultMaxAgeDays = 14
)

type Logger struct {
	mu       sync.Mutex
	level    Level
	module   string
	loggers  [5]*log.Logger
	closers  [5]*lumberjack.Logger
}

var global *Logger

// Init creates (or replaces) the process-wide logger, writing one rotated
// file per level under dir, named "<module>_<level>.log".
func Init(dir, module string, level Level) (*Logger, error) {
	if fi, err := os.Stat(dir); err != nil {
		if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
			return nil, mkErr
		}
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("log: %s is not a directory", dir)
	}

	l := &Logger{level: level, module: module}
	names := [...]string{"_debug.log", "_info.log", "_warn.log", "_error.log", "_fatal.log"}
	for i, suffix := range names {
		lj := &lumberjack.Logger{
			Filename:   path.Join(dir, module+suffix),
			MaxSize:    defaultMaxSizeMB,
			MaxBackups: defaultMaxBackups,
			MaxAge:     defaultMaxAgeDays,
			Compress:   true,
		}
		l.closers[i] = lj
		l.loggers[i] = log.New(lj, "", log.LstdFlags|log.Lmicroseconds)
	}
	global = l
	return l, nil
}

func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.closers {
		if c != nil {
			c.Close()
		}
	}
}

func callerPrefix(lvl Level) string {
	_, file, line, ok := runtime.Caller(3)
	if !ok {
		line = 0
	}
	short := file
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			short = file[i+1:]
			break
		}
	}
	return levelPrefixes[lvl] + " " + short + ":" + strconv.Itoa(line) + ": "
}

func (l *Logger) log(lvl Level, format string, args ...interface{}) {
	if l == nil || lvl < l.level {
		return
	}
	msg := callerPrefix(lvl) + fmt.Sprintf(format, args...)
	l.mu.Lock()
	l.loggers[lvl].Output(2, msg)
	l.mu.Unlock()
}

func LogDebugf(format string, args ...interface{}) { global.log(DebugLevel, format, args...) }
func LogInfof(format string, args ...interface{})  { global.log(InfoLevel, format, args...) }
func LogWarnf(format string, args ...interface{})  { global.log(WarnLevel, format, args...) }
func LogErrorf(format string, args ...interface{}) { global.log(ErrorLevel, format, args...) }

// LogFatalf logs at fatal level and terminates the process, matching the
// spec's "device I/O error is fatal" and "local Blockstore flush error is
// fatal" error-kind handling.
func LogFatalf(format string, args ...interface{}) {
	global.log(FatalLevel, format, args...)
	if global != nil {
		global.Close()
	}
	os.Exit(1)
}
