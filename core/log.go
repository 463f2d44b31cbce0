package core

// Person identifies the signed-in test taker for error-report context.
// Loggers may pass a Person among the args to attribute an event.
type Person struct {
	ID       string
	Username string
	Email    string
}

// Logger is any leveled logger; implementations may ship logs to an error
// tracking service in addition to stdout.
type Logger interface {
	Enable(enabled bool)
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
