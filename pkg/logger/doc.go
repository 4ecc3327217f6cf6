// Package logger builds slog loggers for the services and provides attribute
// helpers for the identifiers that show up in billing logs.
//
//	log := logger.NewFromConfig(cfg, os.Stdout)
//	ctx = logger.WithContext(ctx, logger.EventID(ev.ID), logger.EventType(string(ev.Type)))
//	log.InfoContext(ctx, "webhook processed") // carries event_id and event_type
package logger
