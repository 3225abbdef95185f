// Package logging provides structured logging for Guardian.
//
// Every hook invocation is a short-lived process, so logs are the only
// durable trace of why an action was blocked or a nudge fired. The package
// wraps log/slog with a JSON handler writing to a size-rotated file under
// the state directory.
//
// # Usage
//
//	logger, err := logging.NewLogger(filepath.Join(stateDir, "logs"), "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	gateLog := logger.WithComponent("gate").WithSession(sessionID)
//	gateLog.Warn("blocked", "tool", "Bash", "reason", reason)
//
// Blocks are logged at WARN. Persistence failures that are swallowed after a
// decision has been made are logged at ERROR.
//
// # Thread Safety
//
// [Logger] and [RotatingWriter] are safe for concurrent use. Child loggers
// created via With* share the parent's writer.
package logging
