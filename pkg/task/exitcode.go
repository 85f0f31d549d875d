package task

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ExitAction is how the supervisor reacts to a service exit code.
type ExitAction struct {
	Level        zerolog.Level
	Message      string
	Restart      bool
	ResetRetries bool
}

var serviceExits = map[int]ExitAction{
	1: {Level: zerolog.ErrorLevel, Message: "service failed to start: could not decode the start payload"},
	2: {Level: zerolog.ErrorLevel, Message: "service failed to start: unsupported start payload type"},
	3: {Level: zerolog.ErrorLevel, Message: "service failed to start: service does not exist"},
	4: {Level: zerolog.WarnLevel, Message: "service lost its control channel", Restart: true},
	5: {Level: zerolog.WarnLevel, Message: "dynamic service failed to start: nothing to run"},
	6: {Level: zerolog.InfoLevel, Message: "service source was modified", Restart: true, ResetRetries: true},
	7: {Level: zerolog.WarnLevel, Message: "service exited due to an exception", Restart: true},
}

// ServiceExit maps a non-zero service exit code to its action. Unknown
// codes restart the service.
func ServiceExit(code int) ExitAction {
	if a, ok := serviceExits[code]; ok {
		return a
	}
	return ExitAction{
		Level:   zerolog.WarnLevel,
		Message: fmt.Sprintf("service exited unexpectedly with code %d", code),
		Restart: true,
	}
}
