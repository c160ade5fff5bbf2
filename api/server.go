// Package api exposes the session core over a single action-dispatch
// endpoint.  The calling layer owns human-user authentication and
// supplies already-validated connection parameters per call.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shellbridge/devserver"
	"shellbridge/internal/errors"
	"shellbridge/internal/metrics"
	"shellbridge/internal/session"
	"shellbridge/project"
	"shellbridge/remotefs"
	"shellbridge/shell"
	"shellbridge/sshconn"
	"shellbridge/tunnel"
	"shellbridge/util"
	"shellbridge/vcs"
)

// Server wires every component behind the dispatch endpoint.
type Server struct {
	registry    *session.Registry
	establisher *sshconn.Establisher
	executor    *shell.Executor
	files       *remotefs.Ops
	projects    *project.Initializer
	devservers  *devserver.Manager
	trees       *vcs.Client
	logger      *util.Logger
	metrics     *metrics.Collector
}

// New assembles the server from its components.
func New(
	reg *session.Registry,
	est *sshconn.Establisher,
	exec *shell.Executor,
	files *remotefs.Ops,
	projects *project.Initializer,
	dev *devserver.Manager,
	trees *vcs.Client,
	logger *util.Logger,
	m *metrics.Collector,
) *Server {
	return &Server{
		registry:    reg,
		establisher: est,
		executor:    exec,
		files:       files,
		projects:    projects,
		devservers:  dev,
		trees:       trees,
		logger:      logger,
		metrics:     m,
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/api/session", s.handleDispatch)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, s.metrics.JSON())
}

// handleDispatch decodes the envelope and routes on the action.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errors.Wrap(errors.KindBadRequest, err, "invalid request body"))
		return
	}

	resp, err := s.dispatch(r.Context(), &req)
	if err != nil {
		s.metrics.RecordError(err.Error())
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// dispatch is the exhaustive action switch.
func (s *Server) dispatch(ctx context.Context, req *request) (*response, error) {
	switch req.Action {
	case ActionConnect:
		return s.doConnect(ctx, req)
	case ActionDisconnect:
		s.registry.Remove(req.SessionID)
		return ok(nil), nil
	case ActionExec:
		return s.doExec(ctx, req)
	case ActionTest:
		return s.doTest(ctx, req)
	case ActionHeartbeat:
		return s.doHeartbeat(ctx, req)

	case ActionListFiles:
		return s.doListFiles(ctx, req)
	case ActionReadFile:
		return s.doReadFile(ctx, req)
	case ActionWriteFile:
		return s.doWriteFile(ctx, req)
	case ActionDeleteFile:
		return s.doDeleteFile(ctx, req)
	case ActionMkdir:
		return s.doMkdir(ctx, req)
	case ActionMoveFile:
		return s.doMoveFile(ctx, req)
	case ActionCopyFile:
		return s.doCopyFile(ctx, req)

	case ActionSystemInfo:
		return s.doSystemInfo(ctx, req)
	case ActionGitStatus:
		return s.doGitStatus(ctx, req)
	case ActionInitProject:
		return s.doInitProject(ctx, req)

	case ActionInstallRemoteServer:
		return s.doRemoteServer(ctx, req, "install")
	case ActionStartRemoteServer:
		return s.doRemoteServer(ctx, req, "start")
	case ActionStopRemoteServer:
		return s.doRemoteServer(ctx, req, "stop")
	case ActionStatusRemoteServer:
		return s.doRemoteServer(ctx, req, "status")

	case ActionSetupPortForwarding:
		return s.doSetupForwarding(ctx, req)
	case ActionRemovePortForwarding:
		return s.doRemoveForwarding(ctx, req)
	}
	return nil, errors.New(errors.KindBadRequest, "unrecognized action %q", req.Action)
}

// ── Session actions ──────────────────────────────────────────────────

func (s *Server) doConnect(ctx context.Context, req *request) (*response, error) {
	var p connectParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	res, err := s.establisher.Connect(ctx, &p)
	if err != nil {
		return nil, err
	}
	return ok(res), nil
}

func (s *Server) doTest(ctx context.Context, req *request) (*response, error) {
	var p connectParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	info, err := s.establisher.Test(ctx, &p)
	if err != nil {
		return nil, err
	}
	return ok(map[string]string{"system": info}), nil
}

func (s *Server) doExec(ctx context.Context, req *request) (*response, error) {
	var p execParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, errors.New(errors.KindBadRequest, "command is required")
	}
	res, err := s.executor.Run(ctx, req.SessionID, p.Command, time.Duration(p.TimeoutMs)*time.Millisecond)
	if err != nil {
		if res != nil {
			// Timeout: surface the -1 exit sentinel alongside the error.
			return nil, errors.Wrap(errors.KindOf(err), err, "command timed out (exit %d)", res.ExitCode)
		}
		return nil, err
	}
	return ok(execPayload(res)), nil
}

func (s *Server) doHeartbeat(ctx context.Context, req *request) (*response, error) {
	if err := s.executor.Heartbeat(ctx, req.SessionID); err != nil {
		return nil, err
	}
	connected := true
	return &response{Success: true, Connected: &connected}, nil
}

// ── File actions ─────────────────────────────────────────────────────

func (s *Server) doReadFile(ctx context.Context, req *request) (*response, error) {
	var p readFileParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	fc, err := s.files.Read(ctx, req.SessionID, p.Path)
	if err != nil {
		return nil, err
	}
	return ok(fc), nil
}

func (s *Server) doWriteFile(ctx context.Context, req *request) (*response, error) {
	var p writeFileParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	n, err := s.files.Write(ctx, req.SessionID, p.Path, p.Content)
	if err != nil {
		return nil, err
	}
	return ok(map[string]interface{}{"path": p.Path, "bytesWritten": n}), nil
}

func (s *Server) doDeleteFile(ctx context.Context, req *request) (*response, error) {
	var p deleteFileParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := s.files.Delete(ctx, req.SessionID, p.Path, p.Recursive); err != nil {
		return nil, err
	}
	return ok(nil), nil
}

func (s *Server) doMkdir(ctx context.Context, req *request) (*response, error) {
	var p mkdirParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := s.files.Mkdir(ctx, req.SessionID, p.Path); err != nil {
		return nil, err
	}
	return ok(nil), nil
}

func (s *Server) doMoveFile(ctx context.Context, req *request) (*response, error) {
	var p moveCopyParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := s.files.Move(ctx, req.SessionID, p.Source, p.Destination); err != nil {
		return nil, err
	}
	return ok(nil), nil
}

func (s *Server) doCopyFile(ctx context.Context, req *request) (*response, error) {
	var p moveCopyParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := s.files.Copy(ctx, req.SessionID, p.Source, p.Destination, p.Recursive); err != nil {
		return nil, err
	}
	return ok(nil), nil
}

// doListFiles serves the committed-tree snapshot, not the live
// filesystem — the listing seam is deliberate.
func (s *Server) doListFiles(ctx context.Context, req *request) (*response, error) {
	var p listFilesParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	// The session must still be live even though the listing itself
	// comes from the hosting API.
	if _, err := s.executor.Session(req.SessionID); err != nil {
		return nil, err
	}
	entries, err := s.trees.ListTree(ctx, p.Repo, p.Branch, p.Path)
	if err != nil {
		return nil, err
	}
	if sess := s.registry.Get(req.SessionID); sess != nil {
		sess.Touch()
	}
	return ok(map[string]interface{}{"entries": entries}), nil
}

// ── Diagnostics ──────────────────────────────────────────────────────

func (s *Server) doSystemInfo(ctx context.Context, req *request) (*response, error) {
	sess, err := s.executor.Session(req.SessionID)
	if err != nil {
		return nil, err
	}
	client := sess.Client()
	if client == nil {
		return nil, errors.ErrNoActiveSession
	}

	// Each field is collected individually; failures fall back to
	// "unknown" and never abort the call.
	probe := func(cmd string) string {
		out, err := shell.RawExec(ctx, client, cmd, 10*time.Second)
		if err != nil {
			return "unknown"
		}
		if v := strings.TrimSpace(out); v != "" {
			return v
		}
		return "unknown"
	}

	info := map[string]string{
		"kernel":  probe("uname -s"),
		"release": probe("uname -r"),
		"arch":    probe("uname -m"),
		"os":      probe(`. /etc/os-release 2>/dev/null && echo "$PRETTY_NAME"`),
		"cpus":    probe("nproc 2>/dev/null || sysctl -n hw.ncpu"),
		"memory":  probe("free -m 2>/dev/null | awk '/^Mem:/{print $2\" MB\"}'"),
	}
	sess.Touch()
	return ok(info), nil
}

func (s *Server) doGitStatus(ctx context.Context, req *request) (*response, error) {
	res, err := s.executor.Run(ctx, req.SessionID, "git status --porcelain -b", 0)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errors.New(errors.KindExecutionFailed, "%s", strings.TrimSpace(res.Stderr))
	}
	return ok(map[string]string{"status": res.Stdout, "cwd": res.Cwd}), nil
}

func (s *Server) doInitProject(ctx context.Context, req *request) (*response, error) {
	var p initProjectParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	res, err := s.projects.Init(ctx, req.SessionID, p.Template, p.ProjectName)
	if err != nil {
		return nil, err
	}
	return ok(res), nil
}

// ── Dev server ───────────────────────────────────────────────────────

func (s *Server) doRemoteServer(ctx context.Context, req *request, op string) (*response, error) {
	var p serverParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	var (
		st  *devserver.Status
		err error
	)
	switch op {
	case "install":
		st, err = s.devservers.Install(ctx, req.SessionID, p.Command)
	case "start":
		st, err = s.devservers.Start(ctx, req.SessionID, p.Port, p.Command)
	case "stop":
		st, err = s.devservers.Stop(ctx, req.SessionID)
	case "status":
		st, err = s.devservers.CheckStatus(ctx, req.SessionID)
	}
	if err != nil {
		return nil, err
	}
	return ok(st), nil
}

// ── Port forwarding ──────────────────────────────────────────────────

func (s *Server) doSetupForwarding(ctx context.Context, req *request) (*response, error) {
	var p forwardingParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	sess, err := s.executor.Session(req.SessionID)
	if err != nil {
		return nil, err
	}
	client := sess.Client()
	if client == nil {
		return nil, errors.ErrNoActiveSession
	}

	forwards, ok2 := sess.Forwards().(*tunnel.Forwards)
	if !ok2 || forwards == nil {
		forwards = tunnel.NewForwards(client, s.logger.WithScope(req.SessionID[:8]), s.metrics)
		sess.SetForwards(forwards)
	}

	switch p.Group {
	case tunnel.GroupDynamic:
		err = forwards.SetupDynamic(p.LocalPort)
	case tunnel.GroupLocal:
		err = forwards.AddLocal(p.LocalPort, p.RemoteHost, p.RemotePort)
	case tunnel.GroupRemote:
		err = forwards.AddRemote(p.RemotePort, p.LocalHost, p.LocalPort)
	default:
		err = errors.New(errors.KindBadRequest, "unknown forwarding group %q", p.Group)
	}
	if err != nil {
		return nil, err
	}
	sess.Touch()
	return ok(forwards.Describe()), nil
}

func (s *Server) doRemoveForwarding(ctx context.Context, req *request) (*response, error) {
	var p forwardingParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	sess, err := s.executor.Session(req.SessionID)
	if err != nil {
		return nil, err
	}
	forwards, ok2 := sess.Forwards().(*tunnel.Forwards)
	if !ok2 || forwards == nil {
		return ok(nil), nil // nothing to remove
	}
	if err := forwards.Remove(p.Group); err != nil {
		return nil, err
	}
	sess.Touch()
	return ok(forwards.Describe()), nil
}

// ── Helpers ──────────────────────────────────────────────────────────

func decodeParams(req *request, v interface{}) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return errors.Wrap(errors.KindBadRequest, err, "invalid params for action %q", req.Action)
	}
	return nil
}

func ok(data interface{}) *response {
	return &response{Success: true, Data: data}
}

func execPayload(res *shell.Result) map[string]interface{} {
	return map[string]interface{}{
		"stdout":     res.Stdout,
		"stderr":     res.Stderr,
		"exitCode":   res.ExitCode,
		"cwd":        res.Cwd,
		"durationMs": res.Duration.Milliseconds(),
	}
}

// writeFailure maps the error taxonomy onto HTTP classes and renders
// the uniform failure envelope.
func writeFailure(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	status := statusFor(kind)

	resp := response{Success: false, Error: errMessage(err), Kind: string(kind)}

	if kind == errors.KindSessionNotFound {
		connected := false
		resp.Connected = &connected
	}
	var mt *project.MissingToolsError
	if errors.As(err, &mt) {
		resp.Data = map[string]interface{}{"missingTools": mt.Missing}
	}

	writeJSON(w, status, resp)
}

func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindBadRequest:
		return http.StatusBadRequest
	case errors.KindSessionNotFound:
		return http.StatusNotFound
	case errors.KindBadGateway:
		return http.StatusBadGateway
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindToolMissing, errors.KindConfigMissing:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// errMessage prefers the structured message over the full chain.
func errMessage(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	return err.Error()
}
