package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/taskcore/engine/toolregistry"
)

// registerBuiltinTools wires the baseline tool set every deployment gets:
// an HTTP fetcher, a shell executor, and a file writer. No browser tool is
// registered here; browser automation is left to a deployer-supplied Definition (spec §4.4
// names browser_navigate/browser_click as tool names the planner annotates
// with a DOM strategy, not as tools this engine must itself implement).
func registerBuiltinTools(reg *toolregistry.Registry) error {
	tools := []toolregistry.Definition{
		httpFetchTool(),
		shellExecTool(),
		fileWriteTool(),
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("tools: register %s: %w", t.Name, err)
		}
	}
	return nil
}

func httpFetchTool() toolregistry.Definition {
	client := &http.Client{Timeout: 15 * time.Second}
	return toolregistry.Definition{
		Name:        "http_fetch",
		Description: "fetches a URL over HTTP GET and returns its status and body",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"url": map[string]any{"type": "string"}},
			"required":             []any{"url"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			url, _ := args["url"].(string)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": resp.StatusCode, "body": string(body)}, nil
		},
	}
}

func shellExecTool() toolregistry.Definition {
	return toolregistry.Definition{
		Name:                 "shell_exec",
		Description:          "runs a shell command and returns its combined output",
		RequiresConfirmation: true,
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"command": map[string]any{"type": "string"}},
			"required":             []any{"command"},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			command, _ := args["command"].(string)
			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			out, err := cmd.CombinedOutput()
			if err != nil {
				return map[string]any{"output": string(out)}, err
			}
			return map[string]any{"output": string(out)}, nil
		},
	}
}

func fileWriteTool() toolregistry.Definition {
	return toolregistry.Definition{
		Name:                 "file_write",
		Description:          "writes content to a file path on the host filesystem",
		RequiresConfirmation: true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required":             []any{"path", "content"},
			"additionalProperties": false,
		},
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, err
			}
			return map[string]any{"bytesWritten": len(content)}, nil
		},
	}
}
