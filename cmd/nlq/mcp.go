package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/nlquery"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the engine as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()
		return mcpserver.ServeStdio(newMCPServer(engine))
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var readOnlyAnnotation = mcp.ToolAnnotation{
	ReadOnlyHint:    mcp.ToBoolPtr(true),
	DestructiveHint: mcp.ToBoolPtr(false),
	IdempotentHint:  mcp.ToBoolPtr(false),
	OpenWorldHint:   mcp.ToBoolPtr(false),
}

func newMCPServer(engine nlquery.Engine) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("nlquery", "1.0.0", mcpserver.WithToolCapabilities(false))
	s.AddTool(askTool(), makeAskHandler(engine))
	s.AddTool(describeSchemaTool(), makeDescribeSchemaHandler(engine))
	return s
}

func askTool() mcp.Tool {
	return mcp.NewTool("ask",
		mcp.WithDescription("Answer a natural-language question about the dataset. Returns the answer text, the strategy used, a confidence score and provenance (generated SQL or the document IDs used)."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The question, in plain language"),
		),
		mcp.WithString("strategy",
			mcp.Description("Optional forced strategy: sql, retrieval or both"),
		),
	)
}

func describeSchemaTool() mcp.Tool {
	return mcp.NewTool("describe_schema",
		mcp.WithDescription("Describe the tables and columns questions can be asked about."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
	)
}

func makeAskHandler(engine nlquery.Engine) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question := req.GetString("question", "")
		if question == "" {
			return mcp.NewToolResultError("question is required"), nil
		}
		opts, err := routeOptions(req.GetString("strategy", ""), 0)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		answer, err := engine.Route(ctx, question, opts...)
		if err != nil {
			if errors.Is(err, nlquery.ErrDeadlineExceeded) {
				return mcp.NewToolResultError("the question timed out"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		data, err := json.Marshal(answer)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func makeDescribeSchemaHandler(engine nlquery.Engine) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(engine.Catalog().Prompt(nil)), nil
	}
}
