package intent

import (
	"regexp"
	"strings"

	"github.com/lotse-ki/lotse/pkg/model"
)

// domainKeywords maps lowercase German trigger words to domains. The rule
// pass counts hits per domain and picks the strongest.
var domainKeywords = map[model.Domain][]string{
	model.DomainConstruction: {
		"baugenehmigung", "bauantrag", "bebauungsplan", "bauamt",
		"bauvorhaben", "baulast", "nutzungsänderung", "baugb", "bauordnung",
	},
	model.DomainEnvironmental: {
		"immission", "emission", "umweltverträglichkeit", "naturschutz",
		"lärmschutz", "bimschg", "abfall", "gewässer", "umweltamt",
	},
	model.DomainTraffic: {
		"führerschein", "fahrerlaubnis", "stvo", "verkehrszeichen",
		"parkausweis", "zulassung", "fahrverbot", "straßenverkehrsamt",
	},
	model.DomainSocial: {
		"sozialhilfe", "wohngeld", "bürgergeld", "elterngeld", "kindergeld",
		"sgb", "pflegegeld", "grundsicherung", "jobcenter",
	},
	model.DomainFinancial: {
		"gebühr", "gebühren", "abgabe", "beitrag", "grundsteuer",
		"gewerbesteuer", "säumniszuschlag", "vollstreckung", "kasse",
	},
}

// statuteRe matches references like "BImSchG § 5", "§ 34 BauGB" or a bare
// "§ 80a". German statute codes end in G, GB, GO, VO or VfG; the
// alternation is ordered longest-first and anchored on a word boundary so
// "BauGB" never truncates to "BauG".
var (
	statuteRe = regexp.MustCompile(`(?:[A-ZÄÖÜ][A-Za-zÄÖÜäöüß]*(?:GB|GO|VO|VfG|G)\b\s*)?§+\s*\d+[a-z]?(?:\s+[A-ZÄÖÜ][A-Za-zÄÖÜäöüß]*(?:GB|GO|VO|VfG|G)\b)?`)
	lawCodeRe = regexp.MustCompile(`\b[A-ZÄÖÜ][A-Za-zÄÖÜäöüß]{1,12}(?:GB|GO|VO|VfG|G)\b`)
)

// knownLocations covers the federal states and the larger cities; enough
// for routing to location-scoped agents and tables.
var knownLocations = []string{
	"Baden-Württemberg", "Bayern", "Berlin", "Brandenburg", "Bremen",
	"Hamburg", "Hessen", "Mecklenburg-Vorpommern", "Niedersachsen",
	"Nordrhein-Westfalen", "Rheinland-Pfalz", "Saarland", "Sachsen",
	"Sachsen-Anhalt", "Schleswig-Holstein", "Thüringen",
	"München", "Köln", "Frankfurt", "Stuttgart", "Düsseldorf", "Leipzig",
	"Dortmund", "Essen", "Dresden", "Hannover", "Nürnberg", "Duisburg",
}

// classifyByRules is the deterministic first pass. It always returns a
// legal Intent; confidence reflects how much evidence the rules found.
func classifyByRules(text string) model.Intent {
	lower := strings.ToLower(text)

	best := model.DomainGeneral
	bestHits := 0
	domainsMatched := 0
	for domain, keywords := range domainKeywords {
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > 0 {
			domainsMatched++
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && domain < best) {
			best = domain
			bestHits = hits
		}
	}

	entities := extractStatutes(text)
	locations := extractLocations(text)

	confidence := 0.3
	if bestHits > 0 {
		confidence += 0.25
	}
	if bestHits > 1 {
		confidence += 0.1
	}
	if len(entities) > 0 {
		confidence += 0.2
	}
	if len(locations) > 0 {
		confidence += 0.1
	}
	if confidence > 0.95 {
		confidence = 0.95
	}

	return model.Intent{
		Domain:     best,
		Complexity: estimateComplexity(text, domainsMatched),
		Entities:   entities,
		Locations:  locations,
		Confidence: confidence,
	}
}

func extractStatutes(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.Join(strings.Fields(s), " ")
		if _, ok := seen[s]; ok || s == "" {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	for _, m := range statuteRe.FindAllString(text, -1) {
		add(m)
	}
	for _, m := range lawCodeRe.FindAllString(text, -1) {
		add(m)
	}
	return out
}

func extractLocations(text string) []string {
	var out []string
	for _, loc := range knownLocations {
		if strings.Contains(text, loc) {
			out = append(out, loc)
		}
	}
	return out
}

// estimateComplexity is a coarse heuristic over query length, question
// count and how many domains the query touches.
func estimateComplexity(text string, domainsMatched int) model.Complexity {
	words := len(strings.Fields(text))
	questions := strings.Count(text, "?")

	score := 0
	switch {
	case words > 60:
		score += 3
	case words > 30:
		score += 2
	case words > 12:
		score++
	}
	if questions > 1 {
		score++
	}
	if domainsMatched > 1 {
		score++
	}
	for _, conj := range []string{" und ", " sowie ", " außerdem ", " zusätzlich "} {
		if strings.Contains(strings.ToLower(text), conj) {
			score++
			break
		}
	}

	switch {
	case score >= 4:
		return model.ComplexityVeryComplex
	case score >= 3:
		return model.ComplexityComplex
	case score >= 1:
		return model.ComplexityStandard
	default:
		return model.ComplexitySimple
	}
}
