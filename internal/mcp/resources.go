package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"comet://about",
			"comet-auto About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, session state and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"comet://ask/{askId}/facts{?predicate,limit}",
			"Ask Journal Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Journal facts recorded for one ask (optionally filtered by predicate)."),
		),
		s.handleAskFactsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"app_url": s.cfg.App.URL,
		"state":   s.session.State(),
		"busy":    s.session.Busy(),
		"journal": s.engine != nil,
		"notes": []string{
			"Use the ask tool for questions; it blocks until the answer is complete or timeout_s elapses.",
			"Asks are serialized; status returns immediately while an ask runs.",
			"ask-history and ask-facts read the journal of past asks.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleAskFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.engine == nil {
		return nil, errJournalDisabled
	}

	askID := argString(request.Params.Arguments["askId"])
	if askID == "" {
		return nil, fmt.Errorf("missing askId")
	}
	predicate := argString(request.Params.Arguments["predicate"])
	limit := clampLimit(asInt(request.Params.Arguments["limit"]), 25, 500)

	facts := lastN(filterPredicate(s.engine.FactsFor(askID), predicate), limit)

	payload := map[string]interface{}{
		"ask_id":    askID,
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     facts,
	}
	return jsonContents(request.Params.URI, payload)
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

// argString unwraps URI template values, which arrive as strings or
// single-element slices.
func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt(v any) int {
	return getIntArg(map[string]interface{}{"v": argString(v)}, "v", 0)
}
