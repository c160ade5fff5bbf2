package api

import (
	"encoding/json"

	"shellbridge/config"
)

// Action names the operation carried by a dispatch request.  The
// handler switches over these exhaustively; an unrecognized action
// fails with a 400-class error naming it.
type Action string

const (
	ActionConnect    Action = "connect"
	ActionDisconnect Action = "disconnect"
	ActionExec       Action = "exec"
	ActionTest       Action = "test"
	ActionHeartbeat  Action = "heartbeat"

	ActionListFiles  Action = "list-files"
	ActionReadFile   Action = "read-file"
	ActionWriteFile  Action = "write-file"
	ActionDeleteFile Action = "delete-file"
	ActionMkdir      Action = "mkdir"
	ActionMoveFile   Action = "move-file"
	ActionCopyFile   Action = "copy-file"

	ActionSystemInfo  Action = "system-info"
	ActionGitStatus   Action = "git-status"
	ActionInitProject Action = "init-project"

	ActionInstallRemoteServer Action = "install-remote-server"
	ActionStartRemoteServer   Action = "start-remote-server"
	ActionStopRemoteServer    Action = "stop-remote-server"
	ActionStatusRemoteServer  Action = "status-remote-server"

	ActionSetupPortForwarding  Action = "setup-port-forwarding"
	ActionRemovePortForwarding Action = "remove-port-forwarding"
)

// request is the dispatch envelope.  Params stays raw until the action
// is known, then decodes into the per-action variant below.
type request struct {
	Action    Action          `json:"action"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// response is the uniform dispatch reply.
type response struct {
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Kind      string      `json:"kind,omitempty"`
	Connected *bool       `json:"connected,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// ── Per-action parameter variants ────────────────────────────────────

// connectParams is config.ConnectParams plus nothing: the wire shape
// matches the config type directly.
type connectParams = config.ConnectParams

type execParams struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

type readFileParams struct {
	Path string `json:"path"`
}

type writeFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type deleteFileParams struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

type mkdirParams struct {
	Path string `json:"path"`
}

type moveCopyParams struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Recursive   bool   `json:"recursive,omitempty"`
}

type listFilesParams struct {
	Path   string `json:"path,omitempty"`
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
}

type initProjectParams struct {
	Template    string `json:"template"`
	ProjectName string `json:"projectName"`
}

type serverParams struct {
	Command string `json:"command,omitempty"`
	Port    int    `json:"port,omitempty"`
}

type forwardingParams struct {
	Group      string `json:"group"` // dynamic | local | remote
	LocalPort  int    `json:"localPort,omitempty"`
	LocalHost  string `json:"localHost,omitempty"`
	RemotePort int    `json:"remotePort,omitempty"`
	RemoteHost string `json:"remoteHost,omitempty"`
}
