package models

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/tidwall/gjson"
)

// ShellRunner pipes request and response JSON through external commands
type ShellRunner struct {
	logger *util.Logger
}

// NewShellRunner creates a new shell runner
func NewShellRunner(logger *util.Logger) *ShellRunner {
	return &ShellRunner{logger: logger}
}

// Transform runs each command in turn; a command receives the request and the
// current response as JSON, both as quoted arguments and in MB_REQUEST and
// MB_RESPONSE, and must print the new response as JSON
func (s *ShellRunner) Transform(ctx context.Context, request *Request, response *Response, commands []string) (*Response, error) {
	requestJSON, err := json.Marshal(requestObject(request))
	if err != nil {
		return nil, err
	}

	current := response
	for _, command := range commands {
		responseJSON, err := json.Marshal(current)
		if err != nil {
			return nil, err
		}

		output, err := s.run(ctx, command, string(requestJSON), string(responseJSON))
		if err != nil {
			return nil, err
		}
		if !gjson.Valid(output) {
			s.logger.Errorf("shell command %s returned invalid JSON: %s", command, output)
			return nil, util.NewInjectionError("Shell command returned invalid JSON", command, output)
		}

		next, err := ResponseFromMap(json.RawMessage(output))
		if err != nil {
			return nil, util.NewInjectionError("Shell command returned invalid JSON", command, err.Error())
		}
		next.recordMatch = response.recordMatch
		current = next
	}
	return current, nil
}

func (s *ShellRunner) run(ctx context.Context, command, requestJSON, responseJSON string) (string, error) {
	fullCommand := command + " " + shellQuote(requestJSON) + " " + shellQuote(responseJSON)

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", fullCommand)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", fullCommand)
	}
	cmd.Env = append(os.Environ(), "MB_REQUEST="+requestJSON, "MB_RESPONSE="+responseJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debugf("shellTransform: running %s", command)
	if err := cmd.Run(); err != nil {
		s.logger.Errorf("shell command %s failed: %v %s", command, err, stderr.String())
		return "", util.NewInjectionError("Command failed", command, strings.TrimSpace(stderr.String()+" "+err.Error()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func shellQuote(arg string) string {
	if runtime.GOOS == "windows" {
		return `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
