// Package serverexec implements the server executor (spec §4.4): running a
// server definition against a request, capturing output, and persisting
// invocation lineage.
//
// Grounded on the design-note resolution for "user-supplied code execution"
// (spec §9 option (b)): cidweave does not embed a scripting language.
// Instead a definition selects one of two declarative transform kinds —
// "shell" (os/exec, in the spirit of spec.md §4.4's grep/awk pipeline examples)
// or "http-forward" (github.com/hashicorp/go-retryablehttp, grounded on
// storacha-indexing-service's use of the same client for outbound requests).
package serverexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/stackdump/cidweave/internal/workspace"
)

// DefaultTimeout is the outbound-request and shell-command timeout (spec
// §5). It applies to every execution; a Definition has no field to
// override it.
const DefaultTimeout = 60 * time.Second

// MaxResponseBody caps the number of bytes read from an http-forward
// response or a shell command's stdout, grounded on the original's
// server_utils/external_api/limit_validator.py outbound size guard.
const MaxResponseBody = 16 << 20 // 16 MiB

// Definition is the parsed, declarative form of a server's definition text.
// Definitions are authored as JSON; unknown kinds are rejected at parse
// time rather than executed.
type Definition struct {
	Kind string `json:"kind"`

	// shell
	Command []string `json:"command,omitempty"`

	// http-forward
	Method         string   `json:"method,omitempty"`
	URLTemplate    string   `json:"url_template,omitempty"`
	HeaderAllow    []string `json:"header_allowlist,omitempty"`
	ForwardContent string   `json:"content_type,omitempty"`
}

// ParseDefinition decodes a server's JSON definition text.
func ParseDefinition(text string) (Definition, error) {
	var d Definition
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		return Definition{}, fmt.Errorf("serverexec: invalid definition: %w", err)
	}
	switch d.Kind {
	case "shell":
		if len(d.Command) == 0 {
			return Definition{}, fmt.Errorf("serverexec: shell definition requires a non-empty command")
		}
	case "http-forward":
		if d.URLTemplate == "" {
			return Definition{}, fmt.Errorf("serverexec: http-forward definition requires url_template")
		}
		if d.Method == "" {
			d.Method = http.MethodGet
		}
	default:
		return Definition{}, fmt.Errorf("serverexec: unknown definition kind %q", d.Kind)
	}
	return d, nil
}

// Result is the successful outcome of executing a definition.
type Result struct {
	Output      []byte
	ContentType string
}

// Err is a failed execution, carrying the spec §4.4 diagnostic body
// contents: message, source text, and argument payload (no traceback is
// available in Go the way a Python excerpt would carry one; the error's
// message chain stands in for it).
type Err struct {
	Message    string
	Definition string
	Args       []string
}

func (e *Err) Error() string { return e.Message }

// Execute runs definition against req/ctx and returns a Result or an *Err.
// It never panics on definition failure; every failure mode is a regular Go
// error, per the spec §9 "exception-driven control flow → result type"
// resolution.
func Execute(ctx context.Context, definitionText string, def Definition, req workspace.Request, wctx workspace.Context, source []byte) (Result, error) {
	switch def.Kind {
	case "shell":
		return executeShell(ctx, definitionText, def, req, source)
	case "http-forward":
		return executeHTTPForward(ctx, definitionText, def, req, wctx, source)
	default:
		return Result{}, &Err{Message: fmt.Sprintf("unknown definition kind %q", def.Kind), Definition: definitionText, Args: req.Args}
	}
}

func executeShell(ctx context.Context, definitionText string, def Definition, req workspace.Request, source []byte) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	args := append([]string{}, def.Command[1:]...)
	args = append(args, req.Args...)

	cmd := exec.CommandContext(ctx, def.Command[0], args...)
	cmd.Stdin = bytes.NewReader(source)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, &Err{
			Message:    fmt.Sprintf("shell command %v failed: %v: %s", def.Command, err, stderr.String()),
			Definition: definitionText,
			Args:       req.Args,
		}
	}

	out := stdout.Bytes()
	if len(out) > MaxResponseBody {
		out = out[:MaxResponseBody]
	}
	return Result{Output: out, ContentType: "text/plain"}, nil
}

func executeHTTPForward(ctx context.Context, definitionText string, def Definition, req workspace.Request, wctx workspace.Context, source []byte) (Result, error) {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.HTTPClient.Timeout = DefaultTimeout
	client.RetryMax = 2

	url := expandTemplate(def.URLTemplate, req, wctx)

	var body []byte
	if req.Method == http.MethodPost || req.Method == http.MethodPut || req.Method == http.MethodPatch {
		body = source
	}

	rreq, err := retryablehttp.NewRequestWithContext(ctx, def.Method, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Err{Message: fmt.Sprintf("building forwarded request: %v", err), Definition: definitionText, Args: req.Args}
	}

	allow := map[string]struct{}{}
	for _, h := range def.HeaderAllow {
		allow[strings.ToLower(h)] = struct{}{}
	}
	for k, vs := range req.Headers {
		if _, ok := allow[strings.ToLower(k)]; !ok {
			continue
		}
		for _, v := range vs {
			rreq.Header.Add(k, v)
		}
	}

	resp, err := client.Do(rreq)
	if err != nil {
		return Result{}, &Err{Message: fmt.Sprintf("forwarding request: %v", err), Definition: definitionText, Args: req.Args}
	}
	defer resp.Body.Close()

	limited := http.MaxBytesReader(nil, resp.Body, MaxResponseBody)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(limited); err != nil {
		return Result{}, &Err{Message: fmt.Sprintf("reading forwarded response: %v", err), Definition: definitionText, Args: req.Args}
	}

	contentType := def.ForwardContent
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return Result{Output: buf.Bytes(), ContentType: contentType}, nil
}

// expandTemplate substitutes {arg0}, {arg1}, ... and {var:name} placeholders
// in an http-forward URL template with the request's chained path arguments
// and materialized variables.
func expandTemplate(tmpl string, req workspace.Request, wctx workspace.Context) string {
	out := tmpl
	for i, a := range req.Args {
		out = strings.ReplaceAll(out, fmt.Sprintf("{arg%d}", i), a)
	}
	for name, val := range wctx.Variables {
		out = strings.ReplaceAll(out, "{var:"+name+"}", val)
	}
	return out
}
