package identity

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pixeldump/kit"
)

// TitleView is a record without its raster.
type TitleView struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	Title     string `json:"title"`
	MatchType string `json:"match_type"`
	Footnote  string `json:"footnote"`
	UpdatedAt int64  `json:"updated_at"`
}

// View drops the raster from rec.
func View(rec Record) TitleView {
	return TitleView{
		ID: rec.ID, Hash: rec.Hash, Title: rec.Title,
		MatchType: rec.MatchType, Footnote: rec.Footnote, UpdatedAt: rec.UpdatedAt,
	}
}

// UnresolvedView is an unresolved entry without its rasters.
type UnresolvedView struct {
	Hash      string  `json:"hash"`
	Candidate string  `json:"candidate,omitempty"`
	Score     float64 `json:"score"`
	SeenAt    string  `json:"seen_at"`
}

// UnresolvedViews lists Unresolved without rasters.
func (r *Resolver) UnresolvedViews() []UnresolvedView {
	entries := r.Unresolved()
	out := make([]UnresolvedView, len(entries))
	for i, e := range entries {
		out[i] = UnresolvedView{Hash: e.Hash, Candidate: e.Candidate, Score: e.Score, SeenAt: e.SeenAt.Format(time.RFC3339)}
	}
	return out
}

type listArgs struct {
	MatchType string `json:"match_type"`
}

type addArgs struct {
	Hash  string `json:"hash"`
	Title string `json:"title"`
}

type updateArgs struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type deleteArgs struct {
	ID string `json:"id"`
}

type thresholdArgs struct {
	Threshold float64 `json:"threshold"`
}

type emptyArgs struct{}

// RegisterMCP exposes title management as MCP tools.
func (r *Resolver) RegisterMCP(srv *mcp.Server) {
	str := map[string]any{"type": "string"}
	register := func(tool *mcp.Tool, ep kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
		kit.RegisterMCPTool(srv, tool, kit.Chain(r.logTool(tool.Name))(ep), decode)
	}

	register(&mcp.Tool{
		Name:        "titles_list",
		Description: "List stored icon titles, optionally filtered by match_type (manual or approximate).",
		InputSchema: kit.InputSchema(map[string]any{"match_type": str}, nil),
	}, func(_ context.Context, req any) (any, error) {
		a := req.(*listArgs)
		recs := r.Titles(a.MatchType)
		out := make([]TitleView, len(recs))
		for i, rec := range recs {
			out[i] = View(rec)
		}
		return out, nil
	}, kit.DecodeArgs[listArgs])

	register(&mcp.Tool{
		Name:        "titles_unresolved",
		Description: "List icon hashes seen this session that have no title, with the closest candidate.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}, func(_ context.Context, _ any) (any, error) {
		return r.UnresolvedViews(), nil
	}, kit.DecodeArgs[emptyArgs])

	register(&mcp.Tool{
		Name:        "titles_add",
		Description: "Label an unresolved or stored icon hash with a title.",
		InputSchema: kit.InputSchema(map[string]any{"hash": str, "title": str}, []string{"hash", "title"}),
	}, func(ctx context.Context, req any) (any, error) {
		a := req.(*addArgs)
		rec, err := r.AddTitle(ctx, NewTitle{Hash: a.Hash, Title: a.Title})
		if err != nil && !IsDeferred(err) {
			return nil, err
		}
		return View(rec), nil
	}, kit.DecodeArgs[addArgs])

	register(&mcp.Tool{
		Name:        "titles_update",
		Description: "Rename a stored title by id. The record becomes manual.",
		InputSchema: kit.InputSchema(map[string]any{"id": str, "title": str}, []string{"id", "title"}),
	}, func(ctx context.Context, req any) (any, error) {
		a := req.(*updateArgs)
		rec, err := r.UpdateTitle(ctx, a.ID, a.Title)
		if err != nil {
			return nil, err
		}
		return View(rec), nil
	}, kit.DecodeArgs[updateArgs])

	register(&mcp.Tool{
		Name:        "titles_delete",
		Description: "Delete a stored title by id.",
		InputSchema: kit.InputSchema(map[string]any{"id": str}, []string{"id"}),
	}, func(ctx context.Context, req any) (any, error) {
		a := req.(*deleteArgs)
		if err := r.DeleteTitle(ctx, a.ID); err != nil {
			return nil, err
		}
		return map[string]string{"deleted": a.ID}, nil
	}, kit.DecodeArgs[deleteArgs])

	register(&mcp.Tool{
		Name:        "titles_stats",
		Description: "Resolver counters: stored, manual, approximate, unresolved, threshold.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}, func(_ context.Context, _ any) (any, error) {
		return r.Stats(), nil
	}, kit.DecodeArgs[emptyArgs])

	register(&mcp.Tool{
		Name:        "titles_set_threshold",
		Description: "Set the similarity threshold for approximate matches. Clamped to [0.980, 0.999].",
		InputSchema: kit.InputSchema(map[string]any{"threshold": map[string]any{"type": "number"}}, []string{"threshold"}),
	}, func(_ context.Context, req any) (any, error) {
		a := req.(*thresholdArgs)
		return map[string]float64{"threshold": r.SetThreshold(a.Threshold)}, nil
	}, kit.DecodeArgs[thresholdArgs])
}

// IsDeferred reports whether err only signals a postponed store write.
func IsDeferred(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Deferred
}

func (r *Resolver) logTool(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				r.log.Warn("identity: tool failed", "tool", name, "transport", kit.GetTransport(ctx), "error", err)
			} else {
				r.log.Debug("identity: tool", "tool", name, "transport", kit.GetTransport(ctx), "duration", time.Since(start))
			}
			return resp, err
		}
	}
}
