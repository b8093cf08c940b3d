package provider

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/liliang-cn/fsrag/internal/domain"
)

const maxSnippetRunes = 500

// ExtractCitations reads grounding chunks from a generateContent response
// body. Missing, malformed or wrongly typed fields yield fewer (possibly
// zero) citations, never a panic.
func ExtractCitations(raw []byte) (out []domain.Citation) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()

	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil
	}
	return citationsFrom(gjson.ParseBytes(raw))
}

func citationsFrom(resp gjson.Result) []domain.Citation {
	chunks := resp.Get("candidates.0.groundingMetadata.groundingChunks")
	if !chunks.IsArray() {
		return nil
	}

	var out []domain.Citation
	i := 0
	chunks.ForEach(func(_, ch gjson.Result) bool {
		idx := i
		i++
		if !ch.IsObject() {
			return true
		}
		if rc := ch.Get("retrievedContext"); rc.IsObject() {
			out = append(out, citation(idx, rc.Get("uri"), rc.Get("title"), rc.Get("text"), rc.Get("fileSearchStore")))
			return true
		}
		if web := ch.Get("web"); web.IsObject() {
			out = append(out, citation(idx, web.Get("uri"), web.Get("title"), gjson.Result{}, gjson.Result{}))
		}
		return true
	})
	return out
}

func citation(idx int, uri, title, text, store gjson.Result) domain.Citation {
	c := domain.Citation{
		SourceID: fmt.Sprintf("cit-%d", idx),
		URI:      scalar(uri),
		Title:    scalar(title),
		Snippet:  truncateRunes(scalar(text), maxSnippetRunes),
		Store:    scalar(store),
	}
	if c.Title == "" {
		c.Title = c.URI
	}
	if c.Title == "" {
		c.Title = "Source"
	}
	return c
}

// scalar returns the string form of a string or number, and "" for
// anything else.
func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return strings.TrimSpace(v.Str)
	case gjson.Number:
		return v.Raw
	}
	return ""
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// parseResponse extracts the answer text, usage, finish reason and
// citations of a generateContent body or stream chunk.
func parseResponse(raw []byte) (*Chunk, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: response is not JSON", ErrRejected)
	}
	resp := gjson.ParseBytes(raw)
	if !resp.IsObject() {
		return nil, fmt.Errorf("%w: response is not an object", ErrRejected)
	}

	chunk := &Chunk{}
	var text strings.Builder
	resp.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Type == gjson.String {
			text.WriteString(t.Str)
		}
		return true
	})
	chunk.Text = text.String()
	chunk.FinishReason = scalar(resp.Get("candidates.0.finishReason"))
	chunk.Citations = ExtractCitations(raw)

	if um := resp.Get("usageMetadata"); um.IsObject() {
		u := Usage{
			PromptTokens:     um.Get("promptTokenCount").Int(),
			CompletionTokens: um.Get("candidatesTokenCount").Int(),
		}
		u.Reported = u.PromptTokens > 0 || u.CompletionTokens > 0
		chunk.Usage = &u
	}
	return chunk, nil
}

// statusEnum returns the error.status field of a provider error body.
func statusEnum(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	return scalar(gjson.GetBytes(body, "error.status"))
}

// fileIDFrom finds the uploaded file name in an operation body. The field
// moved between API revisions.
func fileIDFrom(op gjson.Result) string {
	for _, path := range []string{
		"response.documentName",
		"response.file.name",
		"response.name",
		"metadata.file.name",
		"metadata.resourceName",
		"file.name",
		"result.file.name",
	} {
		if v := scalar(op.Get(path)); v != "" {
			return v
		}
	}
	return ""
}

// operationError returns the provider-confirmed failure of an operation.
func operationError(op gjson.Result) string {
	e := op.Get("error")
	switch {
	case !e.Exists() || e.Type == gjson.Null:
		return ""
	case e.Type == gjson.String:
		return e.Str
	case e.IsObject():
		for _, k := range []string{"message", "msg", "details"} {
			if v := scalar(e.Get(k)); v != "" {
				return v
			}
		}
	}
	return "operation failed"
}
