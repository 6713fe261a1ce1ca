package observability

import (
	"github.com/danmuck/swbus/internal/logging"
	"github.com/rs/zerolog"
)

// NodeLogger returns the component logger for one bus node, tagged with its
// identity and instance id so several in-process nodes stay distinguishable.
func NodeLogger(component, identity, instance string) zerolog.Logger {
	return logging.Component(component).With().
		Str("node", identity).
		Str("instance", instance).
		Logger()
}
