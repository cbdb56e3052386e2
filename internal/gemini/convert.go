package gemini

import (
	"google.golang.org/genai"

	"github.com/yourorg/vidlens/pkg/types"
)

// BuildContents lays out a request as source parts, replayed history, then
// the new prompt. Consecutive parts with the same role share one Content.
func BuildContents(req Request) []*genai.Content {
	var parts []types.Part
	if req.CachedContent == "" {
		parts = append(parts, req.Source...)
	}
	for _, t := range req.History {
		parts = append(parts, t.Parts...)
	}
	if req.Prompt != "" {
		parts = append(parts, types.TextPart(types.RoleUser, req.Prompt))
	}
	return groupContents(parts)
}

func groupContents(parts []types.Part) []*genai.Content {
	var out []*genai.Content
	for _, p := range parts {
		role := toRole(p.Role)
		gp := toPart(p)
		if gp == nil {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, gp)
			continue
		}
		out = append(out, genai.NewContentFromParts([]*genai.Part{gp}, genai.Role(role)))
	}
	return out
}

func toPart(p types.Part) *genai.Part {
	switch p.Kind {
	case types.PartText:
		if p.Payload == "" {
			return nil
		}
		return genai.NewPartFromText(p.Payload)
	case types.PartFileRef:
		return genai.NewPartFromURI(p.Payload, p.MIMEType)
	default:
		return nil
	}
}

func toRole(r types.Role) string {
	if r == types.RoleModel {
		return genai.RoleModel
	}
	return genai.RoleUser
}
