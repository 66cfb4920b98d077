// Package logx gives every component of the client core a prefixed
// logger backed by the standard library, the same way pinpox-nitrous
// logs: no structured logging library, just log.Printf with context
// baked into the message.
package logx

import (
	"log"
	"os"
)

// Logger is a thin wrapper around *log.Logger that prefixes every line
// with a component tag, e.g. "[worker wss://relay.damus.io]".
type Logger struct {
	tag string
	out *log.Logger
}

// std is shared by every component so all output interleaves on one
// stream, matching main.go's single log.SetOutput call.
var std = log.New(os.Stderr, "", log.LstdFlags)

// New returns a logger tagged for the given component and instance.
func New(component, instance string) *Logger {
	tag := "[" + component + "]"
	if instance != "" {
		tag = "[" + component + " " + instance + "]"
	}
	return &Logger{tag: tag, out: std}
}

func (l *Logger) Printf(format string, args ...any) {
	l.out.Printf(l.tag+" "+format, args...)
}

func (l *Logger) Println(args ...any) {
	all := append([]any{l.tag}, args...)
	l.out.Println(all...)
}

// SetOutput redirects every Logger created via New; used by the
// entrypoint to discard logs unless -debug is passed, mirroring
// main.go's io.Discard default.
func SetOutput(w interface {
	Write([]byte) (int, error)
}) {
	std.SetOutput(w)
}
