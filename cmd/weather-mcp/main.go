// Command weather-mcp is a stdio MCP server exposing a get_weather tool
// backed by the Open-Meteo API. It needs no API key.
//
// Wire it into the chat server with:
//
//	tools:
//	  mcp_servers:
//	    - name: weather
//	      command: ./weather-mcp
package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}

	s := server.NewMCPServer(
		"weather",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	client := newOpenMeteoClient()

	tool := mcp.NewTool("get_weather",
		mcp.WithDescription("Get the current weather for a city."),
		mcp.WithString("city",
			mcp.Required(),
			mcp.Description("City name, e.g. 'Paris' or 'New York'."),
		),
	)
	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		city, err := request.RequireString("city")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		report, err := client.CurrentWeather(ctx, city)
		if err != nil {
			// Upstream failures are tool results, not protocol errors, so
			// the model can react to them.
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(report), nil
	})

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "weather-mcp: %v\n", err)
		os.Exit(1)
	}
}
