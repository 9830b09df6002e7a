package mcpserver

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/isdmx/mcpsandbox/sandbox"
)

// chartScript draws the chart described by the global "spec" with
// matplotlib, or plotly for interactive charts.
//
//go:embed charts.py
var chartScript string

const defaultChartDir = "charts"

type chartSpec struct {
	Kind        string   `json:"kind"`
	Data        any      `json:"data"`
	XKey        string   `json:"x_key,omitempty"`
	YKey        string   `json:"y_key,omitempty"`
	YKeys       []string `json:"y_keys,omitempty"`
	ColorKey    string   `json:"color_key,omitempty"`
	SizeKey     string   `json:"size_key,omitempty"`
	Title       string   `json:"title"`
	XLabel      string   `json:"x_label"`
	YLabel      string   `json:"y_label"`
	Orientation string   `json:"orientation,omitempty"`
	ChartType   string   `json:"chart_type,omitempty"`
	RowLabels   []string `json:"row_labels,omitempty"`
	ColLabels   []string `json:"col_labels,omitempty"`
	Cmap        string   `json:"cmap,omitempty"`
	SavePath    string   `json:"save_path"`
}

// code returns Python that renders the chart in a private namespace, so
// session variables are left alone. Both the script and the spec travel as
// JSON string literals, which Python parses as plain str literals.
func (c chartSpec) code() (string, error) {
	encoded, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode chart: %w", err)
	}
	script, err := json.Marshal(chartScript)
	if err != nil {
		return "", fmt.Errorf("failed to encode chart script: %w", err)
	}
	arg, err := json.Marshal(string(encoded))
	if err != nil {
		return "", fmt.Errorf("failed to encode chart: %w", err)
	}
	return fmt.Sprintf(`exec(%s, {"__name__": "codebox_chart", "spec": __import__("json").loads(%s)})`, script, arg), nil
}

func (c chartSpec) interactive() bool { return c.Kind == "interactive" }

// library is the package the chart needs inside the sandbox
func (c chartSpec) library() string {
	if c.interactive() {
		return "plotly"
	}
	return "matplotlib"
}

func (c chartSpec) chartType() string {
	if c.interactive() {
		return c.ChartType
	}
	return c.Kind
}

func arrayProp(description string, items map[string]any) map[string]any {
	return map[string]any{"type": "array", "description": description, "items": items}
}

var (
	recordsProp  = arrayProp("Data points, one object per row", map[string]any{"type": "object"})
	stringItems  = map[string]any{"type": "string"}
	titleProp    = stringProp("Chart title")
	savePathProp = stringProp("Output path relative to the workspace (optional)")
	xLabelProp   = stringProp("X axis label (optional)")
	yLabelProp   = stringProp("Y axis label (optional)")
)

func (s *MCPServer) registerChartTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "generate_line_chart",
		Description: "Draw a line chart in the sandbox and return it as a base64 PNG",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"data":       recordsProp,
				"x_key":      stringProp("Field holding x values"),
				"y_keys":     arrayProp("Fields plotted as separate lines", stringItems),
				"title":      titleProp,
				"x_label":    xLabelProp,
				"y_label":    yLabelProp,
				"save_path":  savePathProp,
			},
			Required: []string{"session_id", "data", "x_key", "y_keys"},
		},
	}, s.handleLineChart)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "generate_bar_chart",
		Description: "Draw a grouped bar chart in the sandbox and return it as a base64 PNG",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id":   sessionIDProp,
				"data":         recordsProp,
				"category_key": stringProp("Field holding category labels"),
				"value_keys":   arrayProp("Fields plotted as grouped bars", stringItems),
				"title":        titleProp,
				"x_label":      xLabelProp,
				"y_label":      yLabelProp,
				"save_path":    savePathProp,
				"orientation": map[string]any{
					"type":        "string",
					"description": "Bar orientation",
					"enum":        []string{"vertical", "horizontal"},
				},
			},
			Required: []string{"session_id", "data", "category_key", "value_keys"},
		},
	}, s.handleBarChart)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "generate_scatter_plot",
		Description: "Draw a scatter plot in the sandbox and return it as a base64 PNG",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"data":       recordsProp,
				"x_key":      stringProp("Field holding x values"),
				"y_key":      stringProp("Field holding y values"),
				"color_key":  stringProp("Field mapped to point color (optional)"),
				"size_key":   stringProp("Field mapped to point size (optional)"),
				"title":      titleProp,
				"x_label":    xLabelProp,
				"y_label":    yLabelProp,
				"save_path":  savePathProp,
			},
			Required: []string{"session_id", "data", "x_key", "y_key"},
		},
	}, s.handleScatterPlot)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "generate_interactive_chart",
		Description: "Build an interactive plotly chart in the sandbox and return its HTML",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"chart_type": map[string]any{
					"type":        "string",
					"description": "Trace style",
					"enum":        []string{"line", "bar", "scatter", "area"},
				},
				"data":      recordsProp,
				"x_key":     stringProp("Field holding x values"),
				"y_keys":    arrayProp("Fields plotted as separate traces", stringItems),
				"title":     titleProp,
				"save_path": savePathProp,
			},
			Required: []string{"session_id", "chart_type", "data", "x_key", "y_keys"},
		},
	}, s.handleInteractiveChart)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "generate_heatmap",
		Description: "Draw an annotated heatmap of a numeric matrix and return it as a base64 PNG",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"data": arrayProp("Matrix rows", map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "number"},
				}),
				"row_labels": arrayProp("Row labels (optional)", stringItems),
				"col_labels": arrayProp("Column labels (optional)", stringItems),
				"title":      titleProp,
				"save_path":  savePathProp,
				"cmap":       stringProp("Matplotlib colormap name (default viridis)"),
			},
			Required: []string{"session_id", "data"},
		},
	}, s.handleHeatmap)
}

func (s *MCPServer) handleLineChart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := s.seriesChart(request, "line", "x_key", "y_keys")
	if err != nil {
		return errorResult(err), nil
	}
	spec.Title = request.GetString("title", "Line Chart")
	spec.XLabel = request.GetString("x_label", spec.XKey)
	spec.YLabel = request.GetString("y_label", "Value")
	return s.renderChart(ctx, request, spec)
}

func (s *MCPServer) handleBarChart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := s.seriesChart(request, "bar", "category_key", "value_keys")
	if err != nil {
		return errorResult(err), nil
	}
	spec.Orientation = request.GetString("orientation", "vertical")
	if spec.Orientation != "vertical" && spec.Orientation != "horizontal" {
		return errorResult(invalidArgument("chart", "orientation must be vertical or horizontal, got %q", spec.Orientation)), nil
	}
	spec.Title = request.GetString("title", "Bar Chart")
	spec.XLabel = request.GetString("x_label", spec.XKey)
	spec.YLabel = request.GetString("y_label", "Value")
	return s.renderChart(ctx, request, spec)
}

func (s *MCPServer) handleScatterPlot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records, err := chartRecords(request)
	if err != nil {
		return errorResult(err), nil
	}
	spec := chartSpec{Kind: "scatter", Data: records}
	if spec.XKey, err = s.requireString(request, "chart", "x_key"); err != nil {
		return errorResult(err), nil
	}
	if spec.YKey, err = s.requireString(request, "chart", "y_key"); err != nil {
		return errorResult(err), nil
	}
	spec.ColorKey = request.GetString("color_key", "")
	spec.SizeKey = request.GetString("size_key", "")
	if err := requireFields(records, spec.XKey, spec.YKey, spec.ColorKey, spec.SizeKey); err != nil {
		return errorResult(err), nil
	}
	if spec.SavePath, err = chartPath(request, "scatter_plot", "png"); err != nil {
		return errorResult(err), nil
	}
	spec.Title = request.GetString("title", "Scatter Plot")
	spec.XLabel = request.GetString("x_label", spec.XKey)
	spec.YLabel = request.GetString("y_label", spec.YKey)
	return s.renderChart(ctx, request, spec)
}

func (s *MCPServer) handleInteractiveChart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := s.seriesChart(request, "interactive", "x_key", "y_keys")
	if err != nil {
		return errorResult(err), nil
	}
	switch spec.ChartType = request.GetString("chart_type", ""); spec.ChartType {
	case "line", "bar", "scatter", "area":
	default:
		return errorResult(invalidArgument("chart", "chart_type must be one of line, bar, scatter, area")), nil
	}
	if spec.SavePath, err = chartPath(request, "interactive_chart", "html"); err != nil {
		return errorResult(err), nil
	}
	spec.Title = request.GetString("title", "Interactive Chart")
	spec.XLabel = spec.XKey
	spec.YLabel = "Value"
	return s.renderChart(ctx, request, spec)
}

func (s *MCPServer) handleHeatmap(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	matrix, err := chartMatrix(request)
	if err != nil {
		return errorResult(err), nil
	}
	spec := chartSpec{
		Kind:  "heatmap",
		Data:  matrix,
		Title: request.GetString("title", "Heatmap"),
		Cmap:  request.GetString("cmap", "viridis"),
	}
	if spec.RowLabels, err = stringList(request, "row_labels", false); err != nil {
		return errorResult(err), nil
	}
	if spec.ColLabels, err = stringList(request, "col_labels", false); err != nil {
		return errorResult(err), nil
	}
	if spec.RowLabels != nil && len(spec.RowLabels) != len(matrix) {
		return errorResult(invalidArgument("chart", "row_labels has %d entries for %d rows", len(spec.RowLabels), len(matrix))), nil
	}
	if spec.ColLabels != nil && len(spec.ColLabels) != len(matrix[0]) {
		return errorResult(invalidArgument("chart", "col_labels has %d entries for %d columns", len(spec.ColLabels), len(matrix[0]))), nil
	}
	if spec.SavePath, err = chartPath(request, "heatmap", "png"); err != nil {
		return errorResult(err), nil
	}
	return s.renderChart(ctx, request, spec)
}

// seriesChart parses the record data, the key field and the series list
// shared by line, bar and interactive charts.
func (s *MCPServer) seriesChart(request mcp.CallToolRequest, kind, keyArg, seriesArg string) (chartSpec, error) {
	records, err := chartRecords(request)
	if err != nil {
		return chartSpec{}, err
	}
	spec := chartSpec{Kind: kind, Data: records}
	if spec.XKey, err = s.requireString(request, "chart", keyArg); err != nil {
		return chartSpec{}, err
	}
	if spec.YKeys, err = stringList(request, seriesArg, true); err != nil {
		return chartSpec{}, err
	}
	if err := requireFields(records, append([]string{spec.XKey}, spec.YKeys...)...); err != nil {
		return chartSpec{}, err
	}
	if kind != "interactive" {
		if spec.SavePath, err = chartPath(request, kind+"_chart", "png"); err != nil {
			return chartSpec{}, err
		}
	}
	return spec, nil
}

// renderChart runs the chart code, installing the plotting library once if
// the sandbox lacks it, and returns the produced file.
func (s *MCPServer) renderChart(ctx context.Context, request mcp.CallToolRequest, spec chartSpec) (*mcp.CallToolResult, error) {
	code, err := spec.code()
	if err != nil {
		return errorResult(sandbox.Normalize("chart", err)), nil
	}

	return s.withSandbox(ctx, request, "chart", func(ctx context.Context, b sandbox.Backend) (any, error) {
		res, err := b.RunCode(ctx, code, sandbox.DefaultLanguage)
		if err != nil {
			return nil, err
		}
		if missingModule(res) {
			s.logger.Info("installing chart library", zap.String("package", spec.library()))
			install, err := b.InstallPackage(ctx, spec.library())
			if err != nil {
				return nil, err
			}
			if !install.Success {
				return nil, &sandbox.Error{
					Kind:    sandbox.KindBackendUnavailable,
					Op:      "chart",
					Message: fmt.Sprintf("failed to install %s: %s", spec.library(), strings.Join(install.Errors, "; ")),
				}
			}
			if res, err = b.RunCode(ctx, code, sandbox.DefaultLanguage); err != nil {
				return nil, err
			}
		}
		if !res.Success {
			return nil, invalidArgument("chart", "failed to generate chart: %s", failureText(res))
		}

		content, err := b.Read(ctx, spec.SavePath)
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"chart_type": spec.chartType(),
			"title":      spec.Title,
			"file_path":  spec.SavePath,
		}
		if spec.interactive() {
			out["interactive"] = true
			out["html_content"] = string(content)
		} else {
			out["base64_image"] = base64.StdEncoding.EncodeToString(content)
		}
		return out, nil
	})
}

func missingModule(res sandbox.ExecutionResult) bool {
	return res.Error != nil && res.Error.Name == "ModuleNotFoundError"
}

func failureText(res sandbox.ExecutionResult) string {
	if res.Error != nil {
		return res.Error.Name + ": " + res.Error.Message
	}
	return strings.Join(res.Errors, "; ")
}

func chartRecords(request mcp.CallToolRequest) ([]map[string]any, error) {
	raw, ok := request.GetArguments()["data"].([]any)
	if !ok || len(raw) == 0 {
		return nil, invalidArgument("chart", "data must be a non-empty array of objects")
	}
	records := make([]map[string]any, 0, len(raw))
	for i, item := range raw {
		record, ok := item.(map[string]any)
		if !ok {
			return nil, invalidArgument("chart", "data[%d] is not an object", i)
		}
		records = append(records, record)
	}
	return records, nil
}

// requireFields checks that every record carries every non-empty key
func requireFields(records []map[string]any, keys ...string) error {
	for _, key := range keys {
		if key == "" {
			continue
		}
		for i, record := range records {
			if _, ok := record[key]; !ok {
				return invalidArgument("chart", "data[%d] has no field %q", i, key)
			}
		}
	}
	return nil
}

func chartMatrix(request mcp.CallToolRequest) ([][]float64, error) {
	rows, ok := request.GetArguments()["data"].([]any)
	if !ok || len(rows) == 0 {
		return nil, invalidArgument("chart", "data must be a non-empty matrix of numbers")
	}
	matrix := make([][]float64, 0, len(rows))
	for i, row := range rows {
		cells, ok := row.([]any)
		if !ok || len(cells) == 0 {
			return nil, invalidArgument("chart", "data[%d] is not a non-empty array", i)
		}
		if i > 0 && len(cells) != len(matrix[0]) {
			return nil, invalidArgument("chart", "data[%d] has %d columns, expected %d", i, len(cells), len(matrix[0]))
		}
		values := make([]float64, 0, len(cells))
		for j, cell := range cells {
			v, ok := cell.(float64)
			if !ok {
				return nil, invalidArgument("chart", "data[%d][%d] is not a number", i, j)
			}
			values = append(values, v)
		}
		matrix = append(matrix, values)
	}
	return matrix, nil
}

func stringList(request mcp.CallToolRequest, key string, required bool) ([]string, error) {
	raw, present := request.GetArguments()[key]
	if !present || raw == nil {
		if required {
			return nil, invalidArgument("chart", "%s parameter is required", key)
		}
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok || (required && len(items) == 0) {
		return nil, invalidArgument("chart", "%s must be a non-empty array of strings", key)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		v, ok := item.(string)
		if !ok {
			return nil, invalidArgument("chart", "%s[%d] is not a string", key, i)
		}
		out = append(out, v)
	}
	return out, nil
}

// chartPath returns the workspace-relative output path, generating one
// under charts/ when save_path is not given.
func chartPath(request mcp.CallToolRequest, name, ext string) (string, error) {
	p := request.GetString("save_path", "")
	if p == "" {
		return fmt.Sprintf("%s/%s_%s.%s", defaultChartDir, name, uuid.NewString()[:8], ext), nil
	}
	clean := path.Clean(p)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &sandbox.Error{Kind: sandbox.KindPermissionDenied, Op: "chart", Message: fmt.Sprintf("save_path %q must stay inside the workspace", p)}
	}
	return clean, nil
}
