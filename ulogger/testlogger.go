package ulogger

// TestLogger discards everything. Used by tests that do not care about log
// output.
type TestLogger struct{}

func (TestLogger) Debugf(format string, args ...interface{}) {}
func (TestLogger) Infof(format string, args ...interface{})  {}
func (TestLogger) Warnf(format string, args ...interface{})  {}
func (TestLogger) Errorf(format string, args ...interface{}) {}
func (TestLogger) Fatalf(format string, args ...interface{}) {}
