package project

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"shellbridge/config"
	"shellbridge/internal/errors"
	"shellbridge/shell"
	"shellbridge/util"
)

// MissingToolsError aborts an init before the scaffold command runs.
type MissingToolsError struct {
	Missing []string
}

func (e *MissingToolsError) Error() string {
	return fmt.Sprintf("Missing required tools: %s", strings.Join(e.Missing, ", "))
}

// Initializer runs template scaffolds through the command executor.
type Initializer struct {
	registry *Registry
	exec     *shell.Executor
	logger   *util.Logger
}

// NewInitializer wires the template registry to the executor.
func NewInitializer(reg *Registry, exec *shell.Executor, logger *util.Logger) *Initializer {
	return &Initializer{registry: reg, exec: exec, logger: logger}
}

// InitResult reports a completed scaffold.
type InitResult struct {
	Template string `json:"template"`
	Display  string `json:"display"`
	Cwd      string `json:"cwd"`
	Output   string `json:"output"`
}

// Init scaffolds template into projectName under the session's tracked
// directory.  All required tools are preflighted concurrently; any
// missing tool aborts with MissingToolsError (wrapped in the
// tool-missing class) and the scaffold command is never run.  On
// success the tracked cwd moves to <cwd>/<projectName>, the scaffold
// convention.
func (i *Initializer) Init(ctx context.Context, sessionID, template, projectName string) (*InitResult, error) {
	tpl, ok := i.registry.Lookup(template)
	if !ok {
		return nil, errors.New(errors.KindBadRequest, "unknown template %q (have: %s)",
			template, strings.Join(i.registry.Names(), ", "))
	}
	if projectName == "" {
		return nil, errors.New(errors.KindBadRequest, "projectName is required")
	}
	if strings.ContainsAny(projectName, " \t\n'\"$`;&|/") {
		return nil, errors.New(errors.KindBadRequest, "invalid projectName %q", projectName)
	}

	sess, err := i.exec.Session(sessionID)
	if err != nil {
		return nil, err
	}

	client := sess.Client()
	if client == nil {
		return nil, errors.ErrNoActiveSession
	}

	if missing := preflight(ctx, client, tpl.Tools); len(missing) > 0 {
		return nil, errors.Wrap(errors.KindToolMissing, &MissingToolsError{Missing: missing},
			"Missing required tools: %s", strings.Join(missing, ", "))
	}

	base := sess.Cwd()
	scaffold := strings.ReplaceAll(tpl.Command, "{name}", projectName)
	i.logger.Info("scaffolding %q (%s) in %s", projectName, template, base)

	res, err := i.exec.Run(ctx, sessionID, scaffold, config.ProjectInitTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("scaffold exited with status %d", res.ExitCode)
		}
		return nil, errors.New(errors.KindExecutionFailed, "%s", msg)
	}

	// Scaffolds create <name> under the starting directory; point the
	// logical shell there.
	projectDir := strings.TrimRight(base, "/") + "/" + projectName
	sess.SetCwd(projectDir)
	sess.Touch()

	return &InitResult{
		Template: template,
		Display:  tpl.Display,
		Cwd:      projectDir,
		Output:   res.Stdout,
	}, nil
}

// preflight probes every required tool in parallel.  The probes use
// the single-shot primitive, not the wrapped executor: presence checks
// need no directory state, and concurrent wrapped commands would race
// on the cwd sentinel.
func preflight(ctx context.Context, client *ssh.Client, tools []string) []string {
	var (
		mu      sync.Mutex
		missing []string
		wg      sync.WaitGroup
	)
	for _, tool := range tools {
		wg.Add(1)
		go func(tool string) {
			defer wg.Done()
			if _, err := shell.RawExec(ctx, client, "which "+shell.Quote(tool), 15*time.Second); err != nil {
				mu.Lock()
				missing = append(missing, tool)
				mu.Unlock()
			}
		}(tool)
	}
	wg.Wait()
	sort.Strings(missing)
	return missing
}
