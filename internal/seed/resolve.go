package seed

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// similarityThreshold is the Jaro-Winkler score at or above which two
// normalized names of the same type resolve to one entity.
const similarityThreshold = 0.85

// Resolver merges variant entity mentions from all units of an episode into
// canonical entities. Matching is purely lexical: normalized names, alias
// tables, and fuzzy similarity, never across entity types, so "Apple" the
// company and "apple" the fruit stay apart no matter how alike they read.
type Resolver struct {
	threshold float64
}

// NewResolver creates a Resolver with the default similarity threshold.
func NewResolver() *Resolver {
	return &Resolver{threshold: similarityThreshold}
}

// Resolve processes the raw mentions of every unit in order and returns the
// canonical entities, the per-mention resolution mapping, and the achieved
// reduction ratio. Identical input yields identical output: candidate order,
// alias sets, and tie-breaks are all deterministic.
func (r *Resolver) Resolve(knowledge []ExtractedKnowledge) Resolution {
	b := &resolutionBuilder{
		threshold: r.threshold,
		byType:    make(map[string][]int),
		byCode:    make(map[string][]int),
	}

	res := Resolution{Entities: []CanonicalEntity{}, Mentions: []MentionMapping{}}
	for _, k := range knowledge {
		for _, entity := range k.Entities {
			idx := b.place(k.UnitID, entity)
			res.Mentions = append(res.Mentions, MentionMapping{
				UnitID:    k.UnitID,
				RawName:   strings.TrimSpace(entity.Name),
				Canonical: idx,
			})
		}
	}

	for _, c := range b.cands {
		entity := c.entity
		entity.CanonicalName = c.bestName
		res.Entities = append(res.Entities, entity)
	}
	if raw := len(res.Mentions); raw > 0 {
		res.ReductionRatio = 1 - float64(len(res.Entities))/float64(raw)
	}
	return res
}

// candidate accumulates one canonical entity during resolution.
type candidate struct {
	entity CanonicalEntity

	// keys holds the normalized match key of every merged surface form.
	keys map[string]bool

	// bestName is the raw spelling of the highest-confidence variant; it
	// becomes the canonical name.
	bestName string
	bestConf float64
}

type resolutionBuilder struct {
	threshold float64
	cands     []*candidate

	// byType indexes candidates by entity type; resolution never crosses it.
	byType map[string][]int

	// byCode indexes candidates by type plus Double Metaphone code, cutting
	// the fuzzy-comparison set to phonetically plausible neighbors.
	byCode map[string][]int
}

// place resolves one mention to an existing candidate or starts a new one,
// returning the candidate's index.
func (b *resolutionBuilder) place(unitID string, entity Entity) int {
	keys, surfaces := variantsOf(entity)

	// Exact: any shared normalized key of the same type.
	for _, idx := range b.byType[entity.Type] {
		c := b.cands[idx]
		for _, key := range keys {
			if c.keys[key] {
				b.merge(idx, unitID, entity, keys, surfaces)
				return idx
			}
		}
	}

	// Fuzzy: Jaro-Winkler over the phonetic neighborhood, falling back to
	// every candidate of the type when no neighborhood exists yet.
	candSet := b.phoneticCandidates(entity.Type, keys)
	if len(candSet) == 0 {
		candSet = b.byType[entity.Type]
	}
	best, bestScore := -1, 0.0
	for _, idx := range candSet {
		c := b.cands[idx]
		for _, key := range keys {
			for existing := range c.keys {
				if score := matchr.JaroWinkler(key, existing, false); score > bestScore {
					best, bestScore = idx, score
				}
			}
		}
	}
	if best >= 0 && bestScore >= b.threshold {
		b.merge(best, unitID, entity, keys, surfaces)
		return best
	}

	return b.add(unitID, entity, keys, surfaces)
}

func (b *resolutionBuilder) add(unitID string, entity Entity, keys, surfaces []string) int {
	idx := len(b.cands)
	c := &candidate{
		entity: CanonicalEntity{
			Type:           entity.Type,
			Aliases:        []string{},
			AppearsInUnits: []string{},
		},
		keys:     make(map[string]bool),
		bestName: strings.TrimSpace(entity.Name),
		bestConf: entity.Confidence,
	}
	b.cands = append(b.cands, c)
	b.byType[entity.Type] = append(b.byType[entity.Type], idx)
	b.absorb(c, idx, unitID, entity, keys, surfaces)
	return idx
}

func (b *resolutionBuilder) merge(idx int, unitID string, entity Entity, keys, surfaces []string) {
	c := b.cands[idx]
	if entity.Confidence > c.bestConf {
		c.bestConf = entity.Confidence
		c.bestName = strings.TrimSpace(entity.Name)
	}
	b.absorb(c, idx, unitID, entity, keys, surfaces)
}

// absorb folds one mention's keys, aliases, unit, and counts into candidate c.
func (b *resolutionBuilder) absorb(c *candidate, idx int, unitID string, entity Entity, keys, surfaces []string) {
	for _, key := range keys {
		if c.keys[key] {
			continue
		}
		c.keys[key] = true
		for _, code := range phoneticCodes(key) {
			bucket := entity.Type + "\x00" + code
			if !containsInt(b.byCode[bucket], idx) {
				b.byCode[bucket] = append(b.byCode[bucket], idx)
			}
		}
	}
	for _, surface := range surfaces {
		c.entity.Aliases = insertSorted(c.entity.Aliases, surface)
	}
	c.entity.AppearsInUnits = insertSorted(c.entity.AppearsInUnits, unitID)
	mentions := entity.MentionCount
	if mentions < 1 {
		mentions = 1
	}
	c.entity.TotalMentions += mentions
	if entity.Confidence > c.entity.Confidence {
		c.entity.Confidence = entity.Confidence
	}
}

// phoneticCandidates returns the ascending, deduplicated candidate indices
// sharing a Double Metaphone code with any of the mention's keys.
func (b *resolutionBuilder) phoneticCandidates(entityType string, keys []string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, key := range keys {
		for _, code := range phoneticCodes(key) {
			for _, idx := range b.byCode[entityType+"\x00"+code] {
				if !seen[idx] {
					seen[idx] = true
					out = append(out, idx)
				}
			}
		}
	}
	sort.Ints(out)
	return out
}

// variantsOf derives the normalized match keys and the raw alias surfaces of
// one mention: the name itself, a parenthetical split ("International
// Business Machines (IBM)"), and aliases announced in the description
// ("also known as ...").
func variantsOf(entity Entity) (keys, surfaces []string) {
	seenKey := make(map[string]bool)
	seenSurface := make(map[string]bool)
	record := func(surface string) {
		surface = strings.TrimSpace(surface)
		if surface == "" {
			return
		}
		if !seenSurface[surface] {
			seenSurface[surface] = true
			surfaces = append(surfaces, surface)
		}
		if key := matchKey(surface); key != "" && !seenKey[key] {
			seenKey[key] = true
			keys = append(keys, key)
		}
	}

	record(entity.Name)
	if m := parenRe.FindStringSubmatch(entity.Name); m != nil {
		record(parenRe.ReplaceAllString(entity.Name, " "))
		record(m[1])
	}
	for _, m := range descAliasRe.FindAllStringSubmatch(entity.Description, -1) {
		record(m[1])
	}
	return keys, surfaces
}

var (
	parenRe = regexp.MustCompile(`\(([^)]+)\)`)

	// descAliasRe finds alias announcements in entity descriptions.
	descAliasRe = regexp.MustCompile(`(?i)\b(?:also known as|a\.?k\.?a\.?|formerly(?: known as)?|short for)\s+([^,.;()]+)`)
)

// corporateSuffixes are trailing tokens that distinguish spellings, not
// entities.
var corporateSuffixes = map[string]bool{
	"inc": true, "llc": true, "ltd": true, "corp": true, "corporation": true,
	"company": true, "co": true, "gmbh": true, "plc": true,
}

// honorifics expand so "Dr. Chen" and "Doctor Chen" share a key.
var honorifics = map[string]string{
	"dr": "doctor", "mr": "mister", "mrs": "missus", "prof": "professor",
	"jr": "junior", "sr": "senior", "st": "saint",
}

// acronyms expand whole names only: "AI" the topic, not the letters inside a
// longer name.
var acronyms = map[string]string{
	"ai":   "artificial intelligence",
	"agi":  "artificial general intelligence",
	"ml":   "machine learning",
	"nlp":  "natural language processing",
	"llm":  "large language model",
	"llms": "large language models",
	"us":   "united states",
	"usa":  "united states",
	"uk":   "united kingdom",
	"eu":   "european union",
	"vr":   "virtual reality",
	"ar":   "augmented reality",
	"vc":   "venture capital",
}

var irregularPlurals = map[string]string{
	"analyses":  "analysis",
	"theses":    "thesis",
	"crises":    "crisis",
	"phenomena": "phenomenon",
	"criteria":  "criterion",
	"indices":   "index",
	"people":    "person",
	"children":  "child",
}

// matchKey normalizes a surface form into the representation names are
// compared in: lowercased, punctuation-free, corporate suffixes stripped,
// honorifics and whole-name acronyms expanded, final token singularized.
func matchKey(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, "&", " and ")

	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '.' || r == ',' || r == '\'' || r == '’' || r == '"':
			// Punctuation that varies freely between spellings.
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	tokens := strings.Fields(b.String())

	for len(tokens) > 1 && corporateSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) > 1 && tokens[len(tokens)-1] == "and" {
		// Left behind by "& Co".
		tokens = tokens[:len(tokens)-1]
	}

	if len(tokens) > 1 {
		for i, tok := range tokens {
			if full, ok := honorifics[tok]; ok {
				tokens[i] = full
			}
		}
	}

	joined := strings.Join(tokens, " ")
	if full, ok := acronyms[joined]; ok {
		joined = full
		tokens = strings.Fields(joined)
	}

	if len(tokens) > 0 {
		tokens[len(tokens)-1] = singularize(tokens[len(tokens)-1])
		joined = strings.Join(tokens, " ")
	}
	return joined
}

// singularize reduces a plural token to its singular, handling the irregular
// pairs that actually show up in conversation and a conservative -s/-es/-ies
// heuristic for the rest.
func singularize(tok string) string {
	if s, ok := irregularPlurals[tok]; ok {
		return s
	}
	switch {
	case len(tok) > 3 && strings.HasSuffix(tok, "ies"):
		return tok[:len(tok)-3] + "y"
	case len(tok) > 4 && (strings.HasSuffix(tok, "ses") || strings.HasSuffix(tok, "xes") ||
		strings.HasSuffix(tok, "zes") || strings.HasSuffix(tok, "ches") || strings.HasSuffix(tok, "shes")):
		return tok[:len(tok)-2]
	case len(tok) > 3 && strings.HasSuffix(tok, "s") &&
		!strings.HasSuffix(tok, "ss") && !strings.HasSuffix(tok, "us") && !strings.HasSuffix(tok, "is"):
		return tok[:len(tok)-1]
	default:
		return tok
	}
}

// phoneticCodes returns the Double Metaphone codes of every token of a key.
func phoneticCodes(key string) []string {
	var codes []string
	for _, tok := range strings.Fields(key) {
		p, s := matchr.DoubleMetaphone(tok)
		if p != "" {
			codes = append(codes, p)
		}
		if s != "" && s != p {
			codes = append(codes, s)
		}
	}
	return codes
}

// insertSorted adds v to a sorted slice, keeping it sorted and duplicate-free.
func insertSorted(list []string, v string) []string {
	i := sort.SearchStrings(list, v)
	if i < len(list) && list[i] == v {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
