package pbx

import (
	"regexp"
	"strings"

	"confbridge-admin/internal/apperr"
)

type Action string

const (
	ActionList         Action = "list"
	ActionParticipants Action = "participants"
	ActionKick         Action = "kick"
	ActionMute         Action = "mute"
	ActionUnmute       Action = "unmute"
	ActionLock         Action = "lock"
	ActionUnlock       Action = "unlock"
	ActionRecordStart  Action = "record-start"
	ActionRecordStop   Action = "record-stop"
	ActionMOHStart     Action = "moh-start"
	ActionMOHStop      Action = "moh-stop"
	ActionPlay         Action = "play"
	ActionChannels     Action = "channels"
)

// AllChannels addresses every participant of a bridge in kick/mute/unmute.
const AllChannels = "all"

var (
	roomPattern    = regexp.MustCompile(`^[A-Za-z0-9_.@:/+#-]{1,80}$`)
	channelPattern = regexp.MustCompile(`^[A-Za-z0-9_.@:/+#;-]{1,128}$`)
	classPattern   = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	filePattern    = regexp.MustCompile(`^[A-Za-z0-9_./-]{1,255}$`)
)

// Command is one room- or channel-scoped intent. Each value travels to the
// PBX as its own token and is never concatenated into a shell string.
type Command struct {
	Action  Action
	Room    string
	Channel string
	Class   string
	File    string
}

// Header is one AMI "Name: Value" line.
type Header struct {
	Name  string
	Value string
}

// Request is the transport-level form of a Command. AMI transports use
// Action and Headers, CLI transports use the CLI argument tokens.
type Request struct {
	Action  string
	Headers []Header
	CLI     []string
}

func (r Request) CLILine() string {
	return strings.Join(r.CLI, " ")
}

func (c Command) Validate() error {
	switch c.Action {
	case ActionList, ActionChannels:
		return nil
	case ActionParticipants, ActionLock, ActionUnlock, ActionRecordStop, ActionMOHStop:
		return checkRoom(c.Room)
	case ActionKick, ActionMute, ActionUnmute:
		if err := checkRoom(c.Room); err != nil {
			return err
		}
		return checkToken("channel", c.Channel, channelPattern)
	case ActionRecordStart:
		if err := checkRoom(c.Room); err != nil {
			return err
		}
		return checkFile(c.File)
	case ActionMOHStart:
		if err := checkRoom(c.Room); err != nil {
			return err
		}
		return checkToken("class", c.Class, classPattern)
	case ActionPlay:
		if err := checkToken("channel", c.Channel, channelPattern); err != nil {
			return err
		}
		return checkFile(c.File)
	}
	return apperr.Invalid("action", "is not supported: "+string(c.Action))
}

func checkRoom(room string) error {
	return checkToken("room", room, roomPattern)
}

// ValidateRoom applies the room id rule used for every room-scoped command.
func ValidateRoom(room string) error { return checkRoom(room) }

// ValidateClass applies the music-on-hold class rule.
func ValidateClass(class string) error { return checkToken("class", class, classPattern) }

func checkToken(field, value string, re *regexp.Regexp) error {
	if value == "" {
		return apperr.Invalid(field, "is required")
	}
	if !re.MatchString(value) {
		return apperr.Invalid(field, "contains unsupported characters")
	}
	return nil
}

func checkFile(file string) error {
	if err := checkToken("file", file, filePattern); err != nil {
		return err
	}
	for _, part := range strings.Split(file, "/") {
		if part == ".." {
			return apperr.Invalid("file", "must not traverse directories")
		}
	}
	return nil
}

// Request maps the command onto its AMI action and CLI equivalent.
func (c Command) Request() (Request, error) {
	if err := c.Validate(); err != nil {
		return Request{}, err
	}

	switch c.Action {
	case ActionList:
		return cliCommand("confbridge", "list"), nil
	case ActionParticipants:
		return cliCommand("confbridge", "list", c.Room), nil
	case ActionChannels:
		return cliCommand("core", "show", "channels", "concise"), nil
	case ActionKick:
		return Request{
			Action:  "ConfbridgeKick",
			Headers: []Header{{"Conference", c.Room}, {"Channel", c.Channel}},
			CLI:     []string{"confbridge", "kick", c.Room, c.Channel},
		}, nil
	case ActionMute:
		return Request{
			Action:  "ConfbridgeMute",
			Headers: []Header{{"Conference", c.Room}, {"Channel", c.Channel}},
			CLI:     []string{"confbridge", "mute", c.Room, c.Channel},
		}, nil
	case ActionUnmute:
		return Request{
			Action:  "ConfbridgeUnmute",
			Headers: []Header{{"Conference", c.Room}, {"Channel", c.Channel}},
			CLI:     []string{"confbridge", "unmute", c.Room, c.Channel},
		}, nil
	case ActionLock:
		return Request{
			Action:  "ConfbridgeLock",
			Headers: []Header{{"Conference", c.Room}},
			CLI:     []string{"confbridge", "lock", c.Room},
		}, nil
	case ActionUnlock:
		return Request{
			Action:  "ConfbridgeUnlock",
			Headers: []Header{{"Conference", c.Room}},
			CLI:     []string{"confbridge", "unlock", c.Room},
		}, nil
	case ActionRecordStart:
		return Request{
			Action:  "ConfbridgeStartRecord",
			Headers: []Header{{"Conference", c.Room}, {"RecordFile", c.File}},
			CLI:     []string{"confbridge", "record", "start", c.Room, c.File},
		}, nil
	case ActionRecordStop:
		return Request{
			Action:  "ConfbridgeStopRecord",
			Headers: []Header{{"Conference", c.Room}},
			CLI:     []string{"confbridge", "record", "stop", c.Room},
		}, nil
	case ActionMOHStart:
		return cliCommand("confbridge", "moh", c.Room, "start", c.Class), nil
	case ActionMOHStop:
		return cliCommand("confbridge", "moh", c.Room, "stop"), nil
	case ActionPlay:
		return Request{
			Action: "Originate",
			Headers: []Header{
				{"Channel", c.Channel},
				{"Application", "Playback"},
				{"Data", c.File},
				{"Async", "true"},
			},
			CLI: []string{"channel", "originate", c.Channel, "application", "Playback", c.File},
		}, nil
	}
	return Request{}, apperr.Invalid("action", "is not supported: "+string(c.Action))
}

// cliCommand wraps a CLI-only command into the AMI Command action.
func cliCommand(tokens ...string) Request {
	return Request{
		Action:  "Command",
		Headers: []Header{{"Command", strings.Join(tokens, " ")}},
		CLI:     tokens,
	}
}
