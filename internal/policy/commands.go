package policy

import (
	"strings"

	"github.com/antoniostano/coachd/internal/catalog"
)

type CommandKind string

const (
	CommandCancel CommandKind = "cancel"
	CommandClear  CommandKind = "clear"
	CommandDone   CommandKind = "done"
	CommandStatus CommandKind = "status"
)

type Command struct {
	Kind CommandKind
	Arg  string
}

// Commands parses the slash commands configured in the catalog.
type Commands struct {
	byToken map[string]CommandKind
}

func NewCommands(c catalog.Commands) Commands {
	return Commands{byToken: map[string]CommandKind{
		strings.ToLower(c.Cancel): CommandCancel,
		strings.ToLower(c.Clear):  CommandClear,
		strings.ToLower(c.Done):   CommandDone,
		strings.ToLower(c.Status): CommandStatus,
	}}
}

func (c Commands) ParseCommand(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, false
	}
	token, rest, _ := strings.Cut(text, " ")
	kind, ok := c.byToken[strings.ToLower(token)]
	if !ok {
		return Command{}, false
	}
	return Command{Kind: kind, Arg: strings.TrimSpace(rest)}, true
}
