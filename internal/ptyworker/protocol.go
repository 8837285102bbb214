package ptyworker

// Request types (supervisor -> worker).
const (
	TypeSpawn  = "spawn"
	TypeWrite  = "write"
	TypeResize = "resize"
	TypeKill   = "kill"
)

// Event types (worker -> supervisor).
const (
	TypeReady   = "ready"
	TypeSpawned = "spawned"
	TypeData    = "data"
	TypeExit    = "exit"
	TypeError   = "error"
	TypeResized = "resized"
	TypeKilled  = "killed"
)

// Error codes carried in error events.
const (
	CodeInitFailed   = "INIT_FAILED"
	CodeSpawnFailed  = "SPAWN_FAILED"
	CodeWriteFailed  = "WRITE_FAILED"
	CodeResizeFailed = "RESIZE_FAILED"
	CodeKillFailed   = "KILL_FAILED"
	CodeUncaught     = "UNCAUGHT_EXCEPTION"
	CodeBadRequest   = "BAD_REQUEST"
)

// Failure reasons refine an error code so the supervisor can tell failures
// apart without reading the message.
const (
	ReasonShellNotFound   = "SHELL_NOT_FOUND"
	ReasonInvalidCWD      = "INVALID_CWD"
	ReasonSessionNotFound = "SESSION_NOT_FOUND"
)

// WorkerSubcommand is the argv[1] that turns the binary into a worker.
const WorkerSubcommand = "pty-worker"

// WorkerEnvVar is set to "1" in the worker's environment.
const WorkerEnvVar = "PTYHOST_WORKER"

type SpawnOptions struct {
	CWD  string            `json:"cwd"`
	Env  map[string]string `json:"env,omitempty"`
	Cols uint16            `json:"cols"`
	Rows uint16            `json:"rows"`
}

// Request is the decoded form of any request. Session ids start at 1, so a
// zero ID never names a session.
type Request struct {
	Type    string        `json:"type"`
	ID      int           `json:"id"`
	Shell   string        `json:"shell,omitempty"`
	Args    []string      `json:"args,omitempty"`
	Options *SpawnOptions `json:"options,omitempty"`
	Data    []byte        `json:"data,omitempty"`
	Cols    uint16        `json:"cols,omitempty"`
	Rows    uint16        `json:"rows,omitempty"`
	Signal  string        `json:"signal,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Event is the decoded form of any event. Data is base64 on the wire.
type Event struct {
	Type     string        `json:"type"`
	ID       int           `json:"id,omitempty"`
	Message  string        `json:"message,omitempty"`
	PID      int           `json:"pid,omitempty"`
	Data     []byte        `json:"data,omitempty"`
	ExitCode *int          `json:"exitCode,omitempty"`
	Signal   string        `json:"signal,omitempty"`
	Error    *ErrorPayload `json:"error,omitempty"`
	Cols     uint16        `json:"cols,omitempty"`
	Rows     uint16        `json:"rows,omitempty"`
}

func SpawnRequest(id int, shell string, args []string, opts SpawnOptions) Request {
	return Request{Type: TypeSpawn, ID: id, Shell: shell, Args: args, Options: &opts}
}

func WriteRequest(id int, data []byte) Request {
	return Request{Type: TypeWrite, ID: id, Data: data}
}

func ResizeRequest(id int, cols, rows uint16) Request {
	return Request{Type: TypeResize, ID: id, Cols: cols, Rows: rows}
}

func KillRequest(id int, signal string) Request {
	return Request{Type: TypeKill, ID: id, Signal: signal}
}

func ReadyEvent(message string) Event {
	return Event{Type: TypeReady, Message: message}
}

func SpawnedEvent(id, pid int) Event {
	return Event{Type: TypeSpawned, ID: id, PID: pid}
}

func DataEvent(id int, data []byte) Event {
	return Event{Type: TypeData, ID: id, Data: data}
}

func ExitEvent(id, exitCode int, signal string) Event {
	return Event{Type: TypeExit, ID: id, ExitCode: &exitCode, Signal: signal}
}

// ErrorEvent builds an error event; id 0 means not tied to a session.
func ErrorEvent(id int, code, message string) Event {
	return Event{Type: TypeError, ID: id, Error: &ErrorPayload{Message: message, Code: code}}
}

func ResizedEvent(id int, cols, rows uint16) Event {
	return Event{Type: TypeResized, ID: id, Cols: cols, Rows: rows}
}

func KilledEvent(id int) Event {
	return Event{Type: TypeKilled, ID: id}
}
