package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/moltisdev/moltis/internal/agent"
	"github.com/moltisdev/moltis/internal/models"
)

// ErrNoCommand is returned when a tool call has no usable `command` field.
var ErrNoCommand = fmt.Errorf("sandbox: tool call has no command")

// SessionInfo is the subset of session state the router needs to pick a
// working directory and sandbox mode.
type SessionInfo interface {
	Get(ctx context.Context, key string) (*models.Session, error)
}

// ProjectDirs resolves a project id to its on-disk directory.
type ProjectDirs interface {
	Dir(projectID string) string
}

// ProjectDirsFunc adapts a function to ProjectDirs.
type ProjectDirsFunc func(projectID string) string

func (f ProjectDirsFunc) Dir(projectID string) string { return f(projectID) }

// execArgs is the shape `{"command": "..."}` tool arguments are decoded
// into. Every tool the router handles as a shell invocation (the plain
// `exec` tool plus any skill-attached tool) carries its command this way.
type execArgs struct {
	Command string `json:"command"`
	Image   string `json:"image,omitempty"` // base image override for forced sandbox
}

// Router implements agent.ToolRouter: it gates every tool call
// through the stage-1 approval policy, then resolves
// stage 2 execution to the host process, a skill's cached container
// image, or the session's forced sandbox image.
type Router struct {
	Sessions SessionInfo
	Projects ProjectDirs
	Skills   *SkillRegistry
	Images   *ImageBuilder
	Approval *ApprovalManager

	DefaultPolicy   Policy
	ApprovalTimeout time.Duration
	ToolTimeout     time.Duration
	Docker          string // docker binary, defaults to "docker"

	logger *slog.Logger

	mu        sync.Mutex
	worktrees map[string]string // session key -> worktree dir, once created
}

// NewRouter constructs a Router with the given collaborators.
func NewRouter(sessions SessionInfo, projects ProjectDirs, skills *SkillRegistry, images *ImageBuilder, approval *ApprovalManager, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		Sessions:        sessions,
		Projects:        projects,
		Skills:          skills,
		Images:          images,
		Approval:        approval,
		DefaultPolicy:   Policy{Security: SecurityAllowlist, Approval: ApprovalOnMiss},
		ApprovalTimeout: 120 * time.Second,
		ToolTimeout:     30 * time.Second,
		Docker:          "docker",
		logger:          logger.With("component", "sandbox"),
		worktrees:       make(map[string]string),
	}
}

// Invoke resolves and executes one tool call on behalf of the agent
// executor, satisfying agent.ToolRouter.
func (r *Router) Invoke(ctx context.Context, sessionKey string, call agent.ToolCall) (*agent.ToolOutcome, error) {
	var args execArgs
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return &agent.ToolOutcome{Content: fmt.Sprintf("invalid tool arguments: %v", err), IsError: true}, nil
		}
	}
	if strings.TrimSpace(args.Command) == "" {
		return &agent.ToolOutcome{Content: ErrNoCommand.Error(), IsError: true}, nil
	}

	decision := Decide(r.DefaultPolicy, args.Command, nil)
	if r.Approval != nil && r.Approval.IsApproved(sessionKey, args.Command) {
		decision = DecisionAllow
	}

	switch decision {
	case DecisionDeny:
		return &agent.ToolOutcome{Content: "command denied by policy", IsError: true}, nil
	case DecisionPending:
		if r.Approval == nil {
			return &agent.ToolOutcome{Content: "approval required but no approval manager configured", IsError: true}, nil
		}
		_, wait := r.Approval.Request(ctx, sessionKey, args.Command, r.approvalTimeout())
		if err := wait(); err != nil {
			return &agent.ToolOutcome{Content: err.Error(), IsError: true}, nil
		}
	}

	return r.execute(ctx, sessionKey, call.Name, args)
}

func (r *Router) approvalTimeout() time.Duration {
	if r.ApprovalTimeout <= 0 {
		return 120 * time.Second
	}
	return r.ApprovalTimeout
}

func (r *Router) toolTimeout() time.Duration {
	if r.ToolTimeout <= 0 {
		return 30 * time.Second
	}
	return r.ToolTimeout
}

// execute runs stage 2: host exec, skill-container exec, or forced-
// sandbox container exec, depending on session and tool configuration.
func (r *Router) execute(ctx context.Context, sessionKey, toolName string, args execArgs) (*agent.ToolOutcome, error) {
	workDir := r.workDir(ctx, sessionKey)

	if skill, ok := r.Skills.lookupSafe(toolName); ok {
		tag, err := r.Images.EnsureImage(ctx, skill.Name, skill.Dockerfile, skill.BuildContextDir)
		if err != nil {
			return &agent.ToolOutcome{Content: err.Error(), IsError: true, ExecutionMode: "container"}, nil
		}
		return r.runContainer(ctx, tag, workDir, args.Command)
	}

	sess, _ := r.Sessions.Get(ctx, sessionKey)
	if sess != nil && sess.SandboxEnabled {
		image := args.Image
		if image == "" {
			image = "moltis-cache/base:latest"
		}
		return r.runContainer(ctx, image, workDir, args.Command)
	}

	return r.runHost(ctx, workDir, args.Command)
}

func (s *SkillRegistry) lookupSafe(toolName string) (Skill, bool) {
	if s == nil {
		return Skill{}, false
	}
	return s.Lookup(toolName)
}

// workDir resolves the directory a command runs in: the session's
// worktree if auto_worktree created one, else the project directory.
func (r *Router) workDir(ctx context.Context, sessionKey string) string {
	r.mu.Lock()
	if dir, ok := r.worktrees[sessionKey]; ok {
		r.mu.Unlock()
		return dir
	}
	r.mu.Unlock()

	if r.Sessions == nil {
		return ""
	}
	sess, err := r.Sessions.Get(ctx, sessionKey)
	if err != nil || sess == nil {
		return ""
	}
	if sess.WorktreeBranch != "" && r.Projects != nil {
		projectDir := r.Projects.Dir(sess.ProjectID)
		dir := WorktreeDir(projectDir, sessionKey)
		r.mu.Lock()
		r.worktrees[sessionKey] = dir
		r.mu.Unlock()
		return dir
	}
	if r.Projects != nil {
		return r.Projects.Dir(sess.ProjectID)
	}
	return ""
}

func (r *Router) runHost(ctx context.Context, workDir, command string) (*agent.ToolOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.toolTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return &agent.ToolOutcome{Content: "timeout", IsError: true, ExecutionMode: "host"}, nil
	}
	if err != nil {
		return &agent.ToolOutcome{Content: combineOutput(stdout.String(), stderr.String()), IsError: true, ExecutionMode: "host"}, nil
	}
	return &agent.ToolOutcome{Content: combineOutput(stdout.String(), stderr.String()), ExecutionMode: "host"}, nil
}

func (r *Router) runContainer(ctx context.Context, image, workDir, command string) (*agent.ToolOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.toolTimeout())
	defer cancel()

	docker := r.Docker
	if docker == "" {
		docker = "docker"
	}
	args := []string{"run", "--rm"}
	if workDir != "" {
		args = append(args, "-v", workDir+":/workspace", "-w", "/workspace")
	}
	args = append(args, image, "sh", "-c", command)

	cmd := exec.CommandContext(ctx, docker, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return &agent.ToolOutcome{Content: "timeout", IsError: true, ExecutionMode: "container"}, nil
	}
	if err != nil {
		return &agent.ToolOutcome{Content: combineOutput(stdout.String(), stderr.String()), IsError: true, ExecutionMode: "container"}, nil
	}
	return &agent.ToolOutcome{Content: combineOutput(stdout.String(), stderr.String()), ExecutionMode: "container"}, nil
}

func combineOutput(stdout, stderr string) string {
	stdout = strings.TrimSpace(stdout)
	stderr = strings.TrimSpace(stderr)
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}
