// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the published folio site to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/folio/internal/jobs"
	"github.com/starford/folio/internal/siteservice"
)

// ManifestURI is the resource URI of the production manifest.
const ManifestURI = "folio://manifest"

// Server wraps the MCP server with folio tools.
type Server struct {
	mcp *server.MCPServer
	svc *siteservice.Service
}

// New creates a new MCP server with all folio tools registered.
func New(svc *siteservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"folio",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("get_manifest",
		mcp.WithDescription("Return the production manifest of the published site as JSON."),
	), s.getManifest)

	s.mcp.AddTool(mcp.NewTool("list_pages",
		mcp.WithDescription("List published page routes, optionally below a folder route."),
		mcp.WithString("folder", mcp.Description("Optional folder route (e.g. /notes); empty for all")),
	), s.listPages)

	s.mcp.AddTool(mcp.NewTool("get_page",
		mcp.WithDescription("Read a published page: its manifest entry and rendered HTML."),
		mcp.WithString("route", mcp.Required(), mcp.Description("Page route (e.g. /notes/hello)")),
	), s.getPage)

	s.mcp.AddTool(mcp.NewTool("list_jobs",
		mcp.WithDescription("List recent finalize jobs, newest first."),
		mcp.WithString("session", mcp.Description("Optional session id filter")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default 20)")),
	), s.listJobs)

	s.mcp.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Open a staging session. Stage files into it, then finalize or discard it."),
	), s.createSession)

	s.mcp.AddTool(mcp.NewTool("stage_asset",
		mcp.WithDescription("Stage an image or PDF into a session from a base64 data URI or an http(s) URL. "+
			"Read the contract first via the get_publishing_contract tool."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session id from create_session")),
		mcp.WithString("url", mcp.Required(), mcp.Description("data:<mime>;base64,... URI or http(s) URL")),
		mcp.WithString("filename", mcp.Description("Optional file name; derived from the URL when empty")),
		mcp.WithString("dir", mcp.Description("Optional folder below the assets root")),
	), s.stageAsset)

	s.mcp.AddTool(mcp.NewTool("finalize_session",
		mcp.WithDescription("Queue promotion of a staged session into production. Without routes, "+
			"every previously published page is kept."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("routes", mcp.Description("Optional newline-separated list of every route in the vault")),
	), s.finalizeSession)

	s.mcp.AddTool(mcp.NewTool("discard_session",
		mcp.WithDescription("Drop a staging session and everything staged in it."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session id")),
	), s.discardSession)

	s.mcp.AddTool(mcp.NewTool("get_publishing_contract",
		mcp.WithDescription("Returns the folio publishing contract: how sessions, pages and assets fit together."),
	), s.getPublishingContract)

	s.mcp.AddResource(
		mcp.NewResource(ManifestURI, "Production Manifest",
			mcp.WithResourceDescription("The manifest of every page and asset currently published."),
			mcp.WithMIMEType("application/json"),
		),
		s.readManifestResource,
	)

	s.mcp.AddResource(
		mcp.NewResource(ContractURI, "Publishing Contract",
			mcp.WithResourceDescription("How to stage and publish content with folio."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getManifest(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, _, err := s.svc.Manifest(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(m)
}

func (s *Server) listPages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pages, err := s.svc.ListPages(ctx, req.GetString("folder", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(pages) == 0 {
		return mcp.NewToolResultText("no pages found"), nil
	}
	routes := make([]string, 0, len(pages))
	for _, p := range pages {
		routes = append(routes, p.Route)
	}
	return mcp.NewToolResultText(strings.Join(routes, "\n")), nil
}

func (s *Server) getPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	route, err := req.RequireString("route")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := s.svc.GetPage(ctx, route)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", route)), nil
	}
	return jsonResult(p)
}

func (s *Server) listJobs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.svc.Jobs(ctx, req.GetString("session", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(list)
}

func (s *Server) createSession(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.svc.CreateSession(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(id), nil
}

func (s *Server) finalizeSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var p jobs.Payload
	if raw := req.GetString("routes", ""); strings.TrimSpace(raw) != "" {
		p.Routes = []string{}
		for _, line := range strings.Split(raw, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				p.Routes = append(p.Routes, line)
			}
		}
	}
	j, err := s.svc.Finalize(ctx, session, p)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("queued: job %s", j.ID)), nil
}

func (s *Server) discardSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := req.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Discard(ctx, session); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("discarded: %s", session)), nil
}

func (s *Server) getPublishingContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(PublishingContract), nil
}

func (s *Server) readManifestResource(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	m, _, err := s.svc.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      ManifestURI,
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}

func (s *Server) readContractResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      ContractURI,
			MIMEType: "text/markdown",
			Text:     PublishingContract,
		},
	}, nil
}
