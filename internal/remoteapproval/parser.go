package remoteapproval

import "strings"

// CommandKind описывает распознанное действие администратора.
type CommandKind string

const (
	CommandApprove CommandKind = "approve"
	CommandReject  CommandKind = "reject"
	CommandUnknown CommandKind = "unknown"
)

// Command описывает разобранный ответ администратора.
type Command struct {
	Kind      CommandKind
	RequestID string
}

// ParseCommand разбирает ответ вида "y|yes <id>" или "n|no <id>" без учёта регистра.
func ParseCommand(body string) Command {
	fields := strings.Fields(body)
	if len(fields) != 2 {
		return Command{Kind: CommandUnknown}
	}

	var kind CommandKind
	switch strings.ToLower(fields[0]) {
	case "y", "yes":
		kind = CommandApprove
	case "n", "no":
		kind = CommandReject
	default:
		return Command{Kind: CommandUnknown}
	}
	return Command{Kind: kind, RequestID: fields[1]}
}
