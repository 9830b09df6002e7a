package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/isdmx/mcpsandbox/logger"
	"github.com/isdmx/mcpsandbox/sandbox"
)

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

var sessionIDProp = stringProp("Sandbox session identifier returned by create_sandbox")

func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "create_sandbox",
		Description: "Create an isolated sandbox with a persistent Python interpreter",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"backend_type": map[string]any{
					"type":        "string",
					"description": "Isolation backend; defaults to the configured backend",
					"enum":        s.backendTypes(),
				},
				"image":    stringProp("Container image override (docker, podman)"),
				"template": stringProp("Template override (e2b)"),
				"network_enabled": map[string]any{
					"type":        "boolean",
					"description": "Allow outbound network access",
				},
				"workdir_tar": stringProp("Base64-encoded tar.gz extracted into the workspace (optional)"),
			},
		},
	}, s.handleCreateSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "close_sandbox",
		Description: "Close a sandbox and release its resources",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"session_id": sessionIDProp},
			Required:   []string{"session_id"},
		},
	}, s.handleCloseSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_sandbox_status",
		Description: "Report the status of one sandbox, or of all sandboxes when no session_id is given",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"session_id": sessionIDProp},
		},
	}, s.handleGetStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute_code",
		Description: "Execute code in the sandbox interpreter; variables persist between calls",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"code":       stringProp("Source code to execute"),
				"language": map[string]any{
					"type":        "string",
					"description": "Language of the code",
					"enum":        []string{"python", "bash", "sh"},
				},
			},
			Required: []string{"session_id", "code"},
		},
	}, s.handleExecuteCode)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "run_command",
		Description: "Run a shell command in the sandbox workspace",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"command":    stringProp("Shell command line"),
			},
			Required: []string{"session_id", "command"},
		},
	}, s.handleRunCommand)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "install_package",
		Description: "Install a Python package in the sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id":   sessionIDProp,
				"package_name": stringProp("Package name, optionally with a version specifier"),
			},
			Required: []string{"session_id", "package_name"},
		},
	}, s.handleInstallPackage)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "create_run_close",
		Description: "Run code in a fresh sandbox that is closed afterwards",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": stringProp("Python source code to execute"),
				"backend_type": map[string]any{
					"type":        "string",
					"description": "Isolation backend; defaults to the configured backend",
					"enum":        s.backendTypes(),
				},
				"image":    stringProp("Container image override (docker, podman)"),
				"template": stringProp("Template override (e2b)"),
			},
			Required: []string{"code"},
		},
	}, s.handleCreateRunClose)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_files",
		Description: "List files in a sandbox directory",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"path":       stringProp("Directory relative to the workspace; defaults to the root"),
			},
			Required: []string{"session_id"},
		},
	}, s.handleListFiles)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "read_file",
		Description: "Read a file from the sandbox; binary content is returned base64-encoded",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"file_path":  stringProp("File path relative to the workspace"),
			},
			Required: []string{"session_id", "file_path"},
		},
	}, s.handleReadFile)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "write_file",
		Description: "Write text content to a sandbox file, replacing it atomically",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"file_path":  stringProp("File path relative to the workspace"),
				"content":    stringProp("Text content to write"),
			},
			Required: []string{"session_id", "file_path", "content"},
		},
	}, s.handleWriteFile)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "upload_file",
		Description: "Upload a host file (under the configured upload root) or base64 content into the sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id":     sessionIDProp,
				"remote_path":    stringProp("Destination path relative to the workspace"),
				"source_path":    stringProp("Host file path relative to the upload root"),
				"content_base64": stringProp("Base64-encoded file content"),
			},
			Required: []string{"session_id", "remote_path"},
		},
	}, s.handleUploadFile)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_history",
		Description: "Show recorded lifecycle transitions, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of events (default 50)",
				},
			},
		},
	}, s.handleHistory)

	s.registerChartTools()
}

func (s *MCPServer) backendTypes() []string {
	return s.registry.Types()
}

// jsonResult renders v as the text content of a successful result
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

type errorBody struct {
	Kind    sandbox.Kind `json:"kind"`
	Message string       `json:"message"`
}

// errorResult reports err to the client as an IsError result
func errorResult(err error) *mcp.CallToolResult {
	data, _ := json.Marshal(map[string]errorBody{
		"error": {Kind: sandbox.KindOf(err), Message: err.Error()},
	})
	return mcp.NewToolResultError(string(data))
}

func invalidArgument(op, format string, args ...any) error {
	return &sandbox.Error{Kind: sandbox.KindInvalidConfig, Op: op, Message: fmt.Sprintf(format, args...)}
}

func (s *MCPServer) requireString(request mcp.CallToolRequest, op, key string) (string, error) {
	v, err := request.RequireString(key)
	if err != nil || v == "" {
		return "", invalidArgument(op, "%s parameter is required", key)
	}
	return v, nil
}

// backendConfig builds the per-sandbox configuration from defaults and
// request overrides.
func (s *MCPServer) backendConfig(request mcp.CallToolRequest) (string, sandbox.BackendConfig) {
	backendType := request.GetString("backend_type", s.config.Sandbox.Backend)
	cfg := sandbox.BackendConfigFor(s.config, backendType)
	if image := request.GetString("image", ""); image != "" {
		cfg.Image = image
	}
	if template := request.GetString("template", ""); template != "" {
		cfg.Template = template
	}
	if network, ok := request.GetArguments()["network_enabled"].(bool); ok {
		cfg.NetworkEnabled = network
	}
	return backendType, cfg
}

func (s *MCPServer) handleCreateSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	backendType, cfg := s.backendConfig(request)

	if seed := request.GetString("workdir_tar", ""); seed != "" {
		decoded, err := base64.StdEncoding.DecodeString(seed)
		if err != nil {
			return errorResult(invalidArgument("create", "failed to decode workdir_tar: %v", err)), nil
		}
		cfg.Seed = decoded
	}

	s.logger.Info("sandbox creation requested",
		zap.String("backend", backendType),
		zap.Bool("has_workdir", len(cfg.Seed) > 0))

	id, err := s.registry.Create(ctx, backendType, cfg)
	if err != nil {
		s.logger.Warn("sandbox creation failed", zap.String("backend", backendType), zap.Error(err))
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"session_id":   id,
		"backend_type": backendType,
		"state":        sandbox.StateReady,
	})
}

func (s *MCPServer) handleCloseSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.requireString(request, "close", "session_id")
	if err != nil {
		return errorResult(err), nil
	}
	if err := s.registry.Close(ctx, id); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"session_id": id, "closed": true})
}

func (s *MCPServer) handleGetStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("session_id", "")
	if id == "" {
		return jsonResult(map[string]any{"sandboxes": s.registry.List()})
	}
	status, err := s.registry.Status(id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(status)
}

// withSandbox runs fn against the sandbox named by the session_id argument
func (s *MCPServer) withSandbox(ctx context.Context, request mcp.CallToolRequest, op string, fn func(ctx context.Context, b sandbox.Backend) (any, error)) (*mcp.CallToolResult, error) {
	id, err := s.requireString(request, op, "session_id")
	if err != nil {
		return errorResult(err), nil
	}

	var out any
	err = s.registry.WithSandbox(ctx, id, func(ctx context.Context, b sandbox.Backend) error {
		var err error
		out, err = fn(ctx, b)
		return err
	})
	if err != nil {
		status, _ := s.registry.Status(id)
		logger.ForSandbox(s.logger, id, status.Backend).Warn("sandbox operation failed",
			zap.String("op", op), zap.String("kind", string(sandbox.KindOf(err))), zap.Error(err))
		return errorResult(err), nil
	}
	return jsonResult(out)
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := s.requireString(request, "run_code", "code")
	if err != nil {
		return errorResult(err), nil
	}
	language := request.GetString("language", sandbox.DefaultLanguage)

	return s.withSandbox(ctx, request, "run_code", func(ctx context.Context, b sandbox.Backend) (any, error) {
		return b.RunCode(ctx, code, language)
	})
}

func (s *MCPServer) handleRunCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := s.requireString(request, "run_command", "command")
	if err != nil {
		return errorResult(err), nil
	}
	return s.withSandbox(ctx, request, "run_command", func(ctx context.Context, b sandbox.Backend) (any, error) {
		return b.RunCommand(ctx, command)
	})
}

func (s *MCPServer) handleInstallPackage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := s.requireString(request, "install_package", "package_name")
	if err != nil {
		return errorResult(err), nil
	}
	return s.withSandbox(ctx, request, "install_package", func(ctx context.Context, b sandbox.Backend) (any, error) {
		return b.InstallPackage(ctx, name)
	})
}

func (s *MCPServer) handleCreateRunClose(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := s.requireString(request, "create_run_close", "code")
	if err != nil {
		return errorResult(err), nil
	}
	backendType, cfg := s.backendConfig(request)

	result, err := s.registry.CreateRunClose(ctx, backendType, cfg, code)
	if err != nil {
		s.logger.Warn("create_run_close failed", zap.String("backend", backendType), zap.Error(err))
		return errorResult(err), nil
	}
	return jsonResult(struct {
		sandbox.ExecutionResult
		Closed bool `json:"closed"`
	}{result, true})
}

func (s *MCPServer) handleListFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := request.GetString("path", "")
	return s.withSandbox(ctx, request, "list", func(ctx context.Context, b sandbox.Backend) (any, error) {
		entries, err := b.List(ctx, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "files": entries}, nil
	})
}

func (s *MCPServer) handleReadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := s.requireString(request, "read", "file_path")
	if err != nil {
		return errorResult(err), nil
	}
	return s.withSandbox(ctx, request, "read", func(ctx context.Context, b sandbox.Backend) (any, error) {
		content, err := b.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		if utf8.Valid(content) {
			return map[string]any{"path": path, "content": string(content)}, nil
		}
		return map[string]any{
			"path":     path,
			"content":  base64.StdEncoding.EncodeToString(content),
			"encoding": "base64",
		}, nil
	})
}

func (s *MCPServer) handleWriteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := s.requireString(request, "write", "file_path")
	if err != nil {
		return errorResult(err), nil
	}
	content, ok := request.GetArguments()["content"].(string)
	if !ok {
		return errorResult(invalidArgument("write", "content parameter is required")), nil
	}
	return s.withSandbox(ctx, request, "write", func(ctx context.Context, b sandbox.Backend) (any, error) {
		if err := b.Write(ctx, path, []byte(content)); err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "bytes": len(content)}, nil
	})
}

func (s *MCPServer) handleUploadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	remotePath, err := s.requireString(request, "upload", "remote_path")
	if err != nil {
		return errorResult(err), nil
	}
	content, err := s.uploadContent(request)
	if err != nil {
		return errorResult(err), nil
	}
	return s.withSandbox(ctx, request, "upload", func(ctx context.Context, b sandbox.Backend) (any, error) {
		if err := b.Upload(ctx, bytes.NewReader(content), remotePath); err != nil {
			return nil, err
		}
		return map[string]any{"path": remotePath, "bytes": len(content)}, nil
	})
}

// uploadContent resolves the upload source: content_base64 or a file under
// the upload root.
func (s *MCPServer) uploadContent(request mcp.CallToolRequest) ([]byte, error) {
	encoded := request.GetString("content_base64", "")
	source := request.GetString("source_path", "")

	switch {
	case encoded != "" && source != "":
		return nil, invalidArgument("upload", "content_base64 and source_path are mutually exclusive")
	case encoded != "":
		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, invalidArgument("upload", "failed to decode content_base64: %v", err)
		}
		return content, nil
	case source != "":
		return s.readUpload(source)
	default:
		return nil, invalidArgument("upload", "one of content_base64 or source_path is required")
	}
}

func (s *MCPServer) readUpload(source string) ([]byte, error) {
	if s.uploads == nil {
		return nil, &sandbox.Error{Kind: sandbox.KindPermissionDenied, Op: "upload", Message: "host uploads are disabled; set sandbox.upload_root"}
	}
	f, err := s.uploads.Open(source)
	if err != nil {
		return nil, &sandbox.Error{Kind: sandbox.KindNotFound, Op: "upload", Message: fmt.Sprintf("source %s not found under upload root", source), Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, sandbox.Normalize("upload", err)
	}
	if info.IsDir() {
		return nil, &sandbox.Error{Kind: sandbox.KindIsADirectory, Op: "upload", Message: fmt.Sprintf("source %s is a directory", source)}
	}
	limit := s.config.MaxFileSize()
	if limit <= 0 {
		limit = sandbox.DefaultMaxFileSize
	}
	if info.Size() > limit {
		return nil, &sandbox.Error{Kind: sandbox.KindTooLarge, Op: "upload", Message: fmt.Sprintf("source is %d bytes, limit is %d", info.Size(), limit)}
	}

	buf := bytes.NewBuffer(make([]byte, 0, info.Size()))
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, sandbox.Normalize("upload", err)
	}
	return buf.Bytes(), nil
}

func (s *MCPServer) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.journal == nil {
		return errorResult(&sandbox.Error{Kind: sandbox.KindBackendUnavailable, Op: "history", Message: "journal is disabled"}), nil
	}
	id := request.GetString("session_id", "")
	events, err := s.journal.Recent(ctx, id, request.GetInt("limit", 0))
	if err != nil {
		return errorResult(sandbox.Normalize("history", err)), nil
	}
	return jsonResult(map[string]any{"session_id": id, "events": events})
}
