package cmd

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/playbook-crawler/internal/toolkit"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serves the crawler tools over MCP on stdio",
		Long: `Runs a Model Context Protocol server on stdin/stdout so agent clients can
call scrape_url, search_web, get_sitemap, screenshot, save_pdf and crawl
directly. Logs
are written to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			s := newMCPServer(appInstance.Toolkit())
			if err := server.ServeStdio(s); err != nil {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		},
	}
}

// toolInvoker is the slice of the toolkit the MCP handlers need.
type toolInvoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) toolkit.Envelope
}

func newMCPServer(tools toolInvoker) *server.MCPServer {
	s := server.NewMCPServer(
		"playbook-crawler",
		version,
		server.WithToolCapabilities(false),
	)
	for _, spec := range toolkit.Specs() {
		s.AddTool(mcpTool(spec), mcpHandler(tools, spec.Name))
	}
	return s
}

func mcpTool(spec toolkit.Spec) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(spec.Description)}
	for _, p := range spec.Params {
		propOpts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		if len(p.Enum) > 0 {
			propOpts = append(propOpts, mcp.Enum(p.Enum...))
		}
		opts = append(opts, mcp.WithString(p.Name, propOpts...))
	}
	return mcp.NewTool(spec.Name, opts...)
}

func mcpHandler(tools toolInvoker, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		env := tools.Invoke(ctx, name, request.GetArguments())
		if !env.OK() {
			return mcp.NewToolResultError(env.JSON()), nil
		}
		return mcp.NewToolResultText(env.JSON()), nil
	}
}
