package synthesis

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/lotse-ki/lotse/pkg/model"
)

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	citationRe   = regexp.MustCompile(`\[(\d+)\]`)
	// Repairs applied by the lenient passes.
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	singleQuoteRe   = regexp.MustCompile(`'([^']*)'`)
)

// ExtractMetadata locates the structured-metadata block in the answer and
// parses it. Lookup order: last fenced JSON block, then a bare JSON tail,
// then any embedded JSON object. Parsing falls through strict, lenient
// and repaired attempts silently. The returned answer has the matched
// block stripped; when nothing parses the answer is returned unchanged
// with empty metadata.
func ExtractMetadata(answer string) (string, model.StructuredMetadata) {
	for _, loc := range candidateBlocks(answer) {
		meta, ok := parseContract(loc.raw)
		if !ok {
			continue
		}
		meta.RawJSON = loc.raw
		stripped := strings.TrimRight(answer[:loc.start]+answer[loc.end:], " \t\n")
		return stripped, meta
	}
	return answer, model.StructuredMetadata{}
}

type block struct {
	raw   string
	start int
	end   int
}

func candidateBlocks(answer string) []block {
	var out []block

	// Last fenced block wins over earlier ones.
	if matches := fencedJSONRe.FindAllStringSubmatchIndex(answer, -1); len(matches) > 0 {
		m := matches[len(matches)-1]
		out = append(out, block{
			raw:   answer[m[2]:m[3]],
			start: m[0],
			end:   m[1],
		})
	}

	// A bare JSON object at the tail of the answer.
	trimmed := strings.TrimRight(answer, " \t\n")
	if strings.HasSuffix(trimmed, "}") {
		if start := strings.LastIndex(trimmed, "\n{"); start != -1 {
			out = append(out, block{
				raw:   trimmed[start+1:],
				start: start + 1,
				end:   len(answer),
			})
		}
	}

	// Any embedded object mentioning the contract keys.
	if start := strings.Index(answer, `{"next_steps"`); start != -1 {
		if end := matchBrace(answer, start); end != -1 {
			out = append(out, block{
				raw:   answer[start : end+1],
				start: start,
				end:   end + 1,
			})
		}
	}

	return out
}

// matchBrace returns the index of the brace closing the object opened at
// start, or -1. String contents are skipped.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseContract runs the fall-through parser chain on one candidate.
func parseContract(raw string) (model.StructuredMetadata, bool) {
	attempts := []string{
		raw,
		singleQuoteRe.ReplaceAllString(trailingCommaRe.ReplaceAllString(raw, "$1"), `"$1"`),
		trailingCommaRe.ReplaceAllString(raw, "$1"),
	}

	for _, attempt := range attempts {
		var contract metadataContract
		if err := json.Unmarshal([]byte(attempt), &contract); err != nil {
			continue
		}
		if contract.NextSteps == nil && contract.RelatedTopics == nil {
			continue
		}
		return model.StructuredMetadata{
			NextSteps:     contract.NextSteps,
			RelatedTopics: contract.RelatedTopics,
		}, true
	}
	return model.StructuredMetadata{}, false
}

// ExtractCitations maps [n] markers in the answer to source ids. Markers
// without a matching source are dropped and logged. The result is ordered
// by first appearance, one entry per marker.
func ExtractCitations(answer string, sources []model.Source) []model.Citation {
	seen := make(map[int]struct{})
	var citations []model.Citation

	for _, m := range citationRe.FindAllStringSubmatch(answer, -1) {
		marker, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, dup := seen[marker]; dup {
			continue
		}
		seen[marker] = struct{}{}

		if marker < 1 || marker > len(sources) {
			slog.Debug("citation refers to unknown source", "marker", marker)
			continue
		}
		citations = append(citations, model.Citation{
			Marker:   marker,
			SourceID: sources[marker-1].ID,
		})
	}
	return citations
}
