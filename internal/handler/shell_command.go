package handler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
)

// ShellCommandPayload configures a shell command task
type ShellCommandPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
}

// ShellCommandResult is the recorded outcome of a shell command task
type ShellCommandResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

// ShellCommandHandler runs a fixed command on each invocation
type ShellCommandHandler struct {
	logger  *zap.Logger
	payload ShellCommandPayload
}

// NewShellCommandHandler creates a shell command handler
func NewShellCommandHandler(payload ShellCommandPayload, logger *zap.Logger) *ShellCommandHandler {
	return &ShellCommandHandler{
		logger:  logger.Named("shell-command"),
		payload: payload,
	}
}

// Run executes the command and captures its combined output
func (h *ShellCommandHandler) Run(ctx context.Context) (interface{}, error) {
	cmdCtx := ctx
	if h.payload.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, h.payload.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, h.payload.Command, h.payload.Args...)
	if h.payload.WorkingDir != "" {
		cmd.Dir = h.payload.WorkingDir
	}
	for key, value := range h.payload.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	h.logger.Debug("Executing shell command",
		zap.String("command", h.payload.Command),
		zap.Strings("args", h.payload.Args))

	output, err := cmd.CombinedOutput()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := &ShellCommandResult{
		ExitCode: exitCode,
		Output:   strings.TrimSpace(string(output)),
	}

	if err != nil {
		return result, fmt.Errorf("command failed: %w", err)
	}
	return result, nil
}

// NewShellCommandFactory returns a Factory building shell command handlers
func NewShellCommandFactory() Factory {
	return func(payload map[string]interface{}, logger *zap.Logger) (model.Handler, error) {
		var p ShellCommandPayload
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		if p.Command == "" {
			return nil, fmt.Errorf("shell_command handler requires a command")
		}
		return NewShellCommandHandler(p, logger).Run, nil
	}
}
