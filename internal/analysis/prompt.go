package analysis

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/yourorg/vidlens/pkg/types"
)

const systemInstruction = `You are a media analyst. You receive one video, audio recording, image or
document and questions about it from another agent.

Rules:
1. Answer only from what is present in the media. Say so when something cannot be determined.
2. Quote on-screen text and speech verbatim when relevant.
3. Give timestamps as mm:ss for time-based media.
4. Be concise. Use short paragraphs or bullet lists, no preamble.`

const defaultPrompt = `Describe this media in detail: the overall subject, the sequence of events
or sections with timestamps, any speech or on-screen text, and notable visual
or audio details.`

// SystemInstruction returns the static system instruction.
func SystemInstruction() string {
	return systemInstruction
}

// BuildPrompt returns prompt, or the default description request when empty.
func BuildPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return defaultPrompt
	}
	return prompt
}

// EstimateTokens provides a rough token estimate.
// CJK text is ~2 chars/token, others ~4 chars/token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			cjk++
			continue
		}
		other++
	}
	return (cjk+1)/2 + (other+3)/4
}

// historyTokens estimates the text carried by a replayed history.
func historyTokens(history []types.Turn) int {
	n := 0
	for _, t := range history {
		for _, p := range t.Parts {
			if p.Kind == types.PartText {
				n += EstimateTokens(p.Payload)
			}
		}
	}
	return n
}

var extraMIMETypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".pdf":  "application/pdf",
}

// MIMEType guesses the content type of ref from its extension. Remote refs
// without a recognizable extension (video pages) default to video/mp4.
func MIMEType(ref string) string {
	ext := strings.ToLower(filepath.Ext(stripQuery(ref)))
	if mt, ok := extraMIMETypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		if i := strings.Index(mt, ";"); i >= 0 {
			mt = mt[:i]
		}
		return mt
	}
	return "video/mp4"
}

func stripQuery(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}

func resultKey(contentID, model, prompt string) string {
	return fmt.Sprintf("%s\x00%s\x00%s", contentID, model, prompt)
}
