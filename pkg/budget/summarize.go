package budget

import (
	"regexp"
	"strings"
)

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+`)

// SummarizeByExtraction compresses text to at most maxSentences by
// rule-based sentence extraction: the leading sentences are kept, and
// sentences citing a statute are kept over plain ones.
func SummarizeByExtraction(text string, maxSentences int) string {
	if maxSentences < 1 {
		maxSentences = 1
	}

	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) <= maxSentences {
		return strings.TrimSpace(text)
	}

	type scored struct {
		index int
		text  string
		score int
	}
	all := make([]scored, len(sentences))
	for i, s := range sentences {
		score := 0
		if i == 0 {
			score += 2
		}
		if strings.Contains(s, "§") {
			score += 2
		}
		if strings.Contains(s, "Frist") {
			score++
		}
		all[i] = scored{index: i, text: strings.TrimSpace(s), score: score}
	}

	// Stable selection: best scores first, ties by document order.
	picked := make([]scored, 0, maxSentences)
	for len(picked) < maxSentences {
		best := -1
		for i, s := range all {
			if s.index < 0 {
				continue
			}
			if best == -1 || s.score > all[best].score {
				best = i
			}
		}
		if best == -1 {
			break
		}
		picked = append(picked, all[best])
		all[best].index = -1
	}

	// Re-emit in document order.
	for i := 1; i < len(picked); i++ {
		for j := i; j > 0 && picked[j].index < picked[j-1].index; j-- {
			picked[j], picked[j-1] = picked[j-1], picked[j]
		}
	}

	parts := make([]string, len(picked))
	for i, s := range picked {
		parts[i] = s.text
	}
	return strings.Join(parts, " ")
}
