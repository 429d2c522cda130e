package signal

import "strings"

// Command is an operator instruction sent through the alert endpoint
// instead of a trade alert.
type Command string

const (
	CommandPing      Command = "ping"
	CommandExitAll   Command = "exit_all"
	CommandCancelAll Command = "cancel_all"
)

// ParseCommand recognises operator commands ("hello", "hii", "exit all", "cancel all").
func ParseCommand(raw string) (Command, bool) {
	switch strings.Join(strings.Fields(strings.ToLower(raw)), " ") {
	case "hello", "hii", "hi", "ping":
		return CommandPing, true
	case "exit all":
		return CommandExitAll, true
	case "cancel all":
		return CommandCancelAll, true
	}
	return "", false
}
