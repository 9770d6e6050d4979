package ulogger

// Logger is the logging interface used throughout the cluster. Services are
// given a named logger at construction time; nothing logs through a global.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
