// Package logging provides structured logging configuration for portmux.
//
// It wraps log/slog so every component (detector registry, dispatcher,
// façades, server) logs the same way:
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatJSON,
//	})
//	logger.Info("listening", "addr", srv.Addr())
//
// Components accept a *slog.Logger through an option or setter and fall back
// to Nop. Connection-scoped loggers travel through a context with
// WithContext and FromContext.
package logging
