// Package domain defines the core domain models shared by the console and the development backend.
package domain

// SessionType selects which kind of conversation a pipeline debug session simulates.
type SessionType string

const (
	SessionTypePerson SessionType = "person"
	SessionTypeGroup  SessionType = "group"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	return t == SessionTypePerson || t == SessionTypeGroup
}

// ConnState represents the lifecycle state of a WebSocket connection.
type ConnState string

const (
	ConnStateIdle       ConnState = "idle"
	ConnStateConnecting ConnState = "connecting"
	ConnStateOpen       ConnState = "open"
	ConnStateClosing    ConnState = "closing"
	ConnStateClosed     ConnState = "closed"
)

// Level is the severity of a bot log entry.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return true
	}
	return false
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Settings keys persisted by the console.
const (
	SettingToken     = "token"
	SettingUserEmail = "user_email"
	SettingLanguage  = "language"
)
