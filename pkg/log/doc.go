// Package log provides structured logging for agentq components.
//
// Loggers are constructed explicitly and passed by dependency injection;
// there is no global default logger. The Field-based API is preferred:
//
//	logger := log.NewLogger(log.WithLevel(log.InfoLevel))
//	logger = logger.With(log.F("component", "queue"))
//	logger.Info("message enqueued", log.Str("queue", name), log.Int("priority", p))
//
// Output defaults to the console with JSON formatting. TextFormatter is
// available for interactive use.
package log
