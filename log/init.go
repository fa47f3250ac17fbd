// Package mLog handles the log and it's handlers
package mLog

import (
	"sync"

	"github.com/go-playground/log"
	"github.com/go-playground/log/handlers/console"
)

type handler uint8

// DefaultTimeFormat is the timestamp format of all log entries
const DefaultTimeFormat = "2006-01-02 15:04:05"

// Available log handlers
const (
	Console handler = iota
)

var (
	// Is the process daemonised?
	Daemonised bool

	// Emit debug level entries
	Debug bool

	// Ensure handlers are only added once
	once sync.Once
)

// Init initializes the logger
func Init(h handler) {
	switch h {
	case Console:
		once.Do(func() {
			cLog := console.New(true)
			cLog.SetTimestampFormat(DefaultTimeFormat)
			cLog.SetDisplayColor(!Daemonised)
			log.AddHandler(cLog, Levels()...)
		})
	default:
		log.Fatal("invalid handler: ", h)
	}
}

// Levels returns the levels handlers are registered for. Debug entries are
// only included, if Debug is set.
func Levels() []log.Level {
	if Debug {
		return log.AllLevels
	}
	levels := make([]log.Level, 0, len(log.AllLevels))
	for _, l := range log.AllLevels {
		if l != log.DebugLevel {
			levels = append(levels, l)
		}
	}
	return levels
}
