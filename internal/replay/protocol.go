package replay

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidCommand is returned for commands that fail validation.
var ErrInvalidCommand = errors.New("replay: invalid command")

// ErrClosed is returned by Send after Run has returned.
var ErrClosed = errors.New("replay: engine closed")

// CommandType identifies an inbound command.
type CommandType string

const (
	CommandFiles     CommandType = "files"
	CommandPlayState CommandType = "playstate"
	CommandTimeSeek  CommandType = "timeupdate"
	CommandPlayRate  CommandType = "playrate"
)

// Command is an inbound message to the Engine. Times are millisecond
// offsets from the session start.
type Command struct {
	Type CommandType

	// Files is set for CommandFiles, ordered oldest to newest.
	Files []File

	// State and CurrentDuration are set for CommandPlayState.
	State           PlayState
	CurrentDuration int64

	// TargetTime is set for CommandTimeSeek.
	TargetTime int64

	// Rate is set for CommandPlayRate.
	Rate float64
}

// LoadFiles returns a files command.
func LoadFiles(files ...File) Command {
	return Command{Type: CommandFiles, Files: files}
}

// Play returns a playstate command that starts playback at offsetMs.
func Play(offsetMs int64) Command {
	return Command{Type: CommandPlayState, State: StatePlay, CurrentDuration: offsetMs}
}

// Pause returns a playstate command that pauses playback.
func Pause() Command {
	return Command{Type: CommandPlayState, State: StatePause}
}

// Seek returns a timeupdate command that jumps to offsetMs.
func Seek(offsetMs int64) Command {
	return Command{Type: CommandTimeSeek, TargetTime: offsetMs}
}

// SetRate returns a playrate command.
func SetRate(rate float64) Command {
	return Command{Type: CommandPlayRate, Rate: rate}
}

// Validate checks the command payload.
func (c Command) Validate() error {
	switch c.Type {
	case CommandFiles:
		if len(c.Files) == 0 {
			return fmt.Errorf("%w: files: empty file list", ErrInvalidCommand)
		}
		for i, f := range c.Files {
			if f == nil {
				return fmt.Errorf("%w: files: nil file at %d", ErrInvalidCommand, i)
			}
		}
	case CommandPlayState:
		if c.State != StatePlay && c.State != StatePause {
			return fmt.Errorf("%w: playstate: unsupported state %q", ErrInvalidCommand, c.State)
		}
		if c.State == StatePlay && c.CurrentDuration < 0 {
			return fmt.Errorf("%w: playstate: negative currentDuration %d", ErrInvalidCommand, c.CurrentDuration)
		}
	case CommandTimeSeek:
		if c.TargetTime < 0 {
			return fmt.Errorf("%w: timeupdate: negative target %d", ErrInvalidCommand, c.TargetTime)
		}
	case CommandPlayRate:
		if c.Rate <= 0 || math.IsNaN(c.Rate) || math.IsInf(c.Rate, 0) {
			return fmt.Errorf("%w: playrate: rate must be positive, got %v", ErrInvalidCommand, c.Rate)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}

// EventType identifies an outbound event.
type EventType string

const (
	EventData            EventType = "data"
	EventTimeUpdate      EventType = "timeupdate"
	EventDurationChange  EventType = "durationchange"
	EventLoadState       EventType = "loadstate"
	EventPlayStateChange EventType = "playstatechange"
	EventError           EventType = "error"
)

// Event is an outbound message from the Engine.
//
// Data holds codec.Envelope for EventData, an int64 millisecond offset for
// EventTimeUpdate, Duration, LoadState, PlayState, or an error string for
// EventError.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Duration is the payload of a durationchange event, in absolute
// milliseconds.
type Duration struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime"`
}

// Load states reported in loadstate events.
const (
	LoadLoading = "loading"
	LoadLoaded  = "loaded"
	LoadFailed  = "failed"
)

// LoadState is the payload of a loadstate event.
type LoadState struct {
	State   string `json:"state"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Error   string `json:"error,omitempty"`
}
