package leakwatch

// Logger is the structured logger used across leakwatch. Messages are followed by
// alternating key/value pairs, e.g. l.Warn("poll failed", "resource", r, "error", err).
//
// *github.com/charmbracelet/log.Logger satisfies it; see package charmlog.
type Logger interface {
	Debug(msg interface{}, keyvals ...interface{})
	Info(msg interface{}, keyvals ...interface{})
	Warn(msg interface{}, keyvals ...interface{})
	Error(msg interface{}, keyvals ...interface{})
	Fatal(msg interface{}, keyvals ...interface{})
}
