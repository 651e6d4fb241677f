// Package log provides structured, leveled logging for loom components.
//
// Loggers carry a set of base fields (most commonly a component tag) and
// write entries through a Formatter/Output pipeline. Construct one logger
// near process start and hand scoped children to components:
//
//	logger := log.NewLogger(log.WithLevel(log.InfoLevel))
//	sched := logger.With(log.Component("scheduler"))
//	sched.Info("tick skipped", log.Str("unit", name))
package log
