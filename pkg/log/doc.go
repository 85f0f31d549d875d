/*
Package log provides structured logging for Warlock using zerolog.

The package holds a process-wide zerolog logger configured once by Init and
hands out child loggers tagged with a component, client or task id. Domain
packages receive these child loggers through their constructors.

# Levels

Warlock level names map onto zerolog levels:

	decode  → trace   every packet in and out
	debug   → debug
	info    → info
	notice  → info    flagged with notice=true
	warn    → warn
	error   → error

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	logger := log.WithComponent("scheduler")
	logger.Info().Str("task_id", id).Msg("Task started")

LOG and DEBUG packets sent by clients and supervised processes go through a
Writer, which records the sender as the "source" field:

	w := log.NewWriter(log.WithComponent("process"))
	w.Write("cache warmed", log.NoticeLevel, "mailer")
*/
package log
