// Package quality rates narrative density of chat turns. The score gates
// which turns are worth spending extraction and summarization API calls on:
// out-of-character chatter and one-word acknowledgments never reach the LLM.
// Scoring is deterministic and makes no network calls.
package quality

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Label buckets for a message score.
const (
	LabelSkip     = "skip"
	LabelLow      = "low"
	LabelMedium   = "medium"
	LabelHigh     = "high"
	LabelCritical = "critical"
)

// Score is the result of rating a single message.
type Score struct {
	Score         float64 `json:"score"` // 0..10, one decimal
	Label         string  `json:"label"`
	WordCount     int     `json:"wordCount"`
	ActionDensity float64 `json:"actionDensity"` // action verbs per sentence
}

var (
	// Out-of-character shapes: fully parenthesized, explicit OOC marker,
	// comment-style prefix.
	oocPattern = regexp.MustCompile(`^\s*(\(.*\)|\[.*\])\s*$`)
	oocPrefix  = regexp.MustCompile(`(?i)^\s*(ooc\s*[:\]]|\(\s*ooc|//|#\s)`)

	// Trivial acknowledgments: bare ok/yes/no/lol-class replies.
	trivialPattern = regexp.MustCompile(`(?i)^\s*(ok(ay)?|k+|yes|yeah|yep|no|nah|nope|lol|lmao|haha+|hm+|huh|wow|nice|cool|thanks?|ty|brb|gtg|sure|fine|same|this|\^+|\.+|!+|\?+)\s*[.!?]*\s*$`)

	// Narrative formatting: asterisk-wrapped actions and quoted dialogue.
	formatPattern = regexp.MustCompile(`\*[^*\n]+\*|"[^"\n]+"|“[^”\n]+”`)

	// Action verb stems. Seeded from the combat/travel/discovery verb lexicon
	// used by narrative event matching, plus common scene verbs.
	actionPattern = regexp.MustCompile(`(?i)\b(attack|battl|charg|strik|struck|slash|stab|lung|parr|dodg|duck|leap|jump|sprint|run|ran|flee|fled|chas|climb|grab|seiz|throw|threw|hurl|draw|drew|fir|shoot|shot|cast|chant|slam|crash|shatter|break|broke|kick|punch|swing|swung|march|stride|storm|burst|rush|dash|scream|shout|roar|whisper|search|discover|find|found|reveal|uncover|steal|stole|sneak|crept|hide|hid|open|push|pull|tear|rip)\w*\b`)

	// High-importance narrative beats.
	importantPattern = regexp.MustCompile(`(?i)\b(death|dies?|died|dying|kill(ed|s)?|murder(ed)?|betray(al|ed|s)?|discover(y|ed|s)?|secret|reveal(ed|s)?|confess(ion|ed)?|destroy(ed|s)?|curs(e|ed)|prophecy|ritual|wedding|birth|war|truce|resurrect(ed|ion)?|transform(ed|ation)?|vanish(ed)?|awaken(ed|s)?)\b`)

	sentenceSplit = regexp.MustCompile(`[.!?]+`)
)

// lengthThresholds are the word counts that each earn a +0.5 bonus.
var lengthThresholds = []int{15, 30, 60, 120, 250, 500}

// MessageScore rates a single turn's narrative density on a 0-10 scale.
// First-match-wins skip gates, then additive scoring from a base of 3.
func MessageScore(role, content string) Score {
	trimmed := strings.TrimSpace(content)
	wordCount := len(strings.Fields(trimmed))

	if trimmed == "" {
		return Score{Score: 0, Label: LabelSkip}
	}
	if oocPattern.MatchString(trimmed) || oocPrefix.MatchString(trimmed) {
		return Score{Score: 1, Label: LabelSkip, WordCount: wordCount}
	}
	if trivialPattern.MatchString(trimmed) || symbolsOnly(trimmed) {
		return Score{Score: 1, Label: LabelSkip, WordCount: wordCount}
	}

	formatMatches := formatPattern.FindAllString(trimmed, -1)
	if wordCount < 5 && len(formatMatches) == 0 {
		return Score{Score: 2, Label: LabelSkip, WordCount: wordCount}
	}

	score := 3.0

	for _, threshold := range lengthThresholds {
		if wordCount >= threshold {
			score += 0.5
		}
	}

	formatBonus := float64(len(formatMatches)) * 0.3
	if formatBonus > 0.9 {
		formatBonus = 0.9
	}
	score += formatBonus

	sentences := countSentences(trimmed)
	actionMatches := len(actionPattern.FindAllString(trimmed, -1))
	density := float64(actionMatches) / float64(sentences)
	actionBonus := density * 1.2
	if actionBonus > 1.5 {
		actionBonus = 1.5
	}
	score += actionBonus

	importantBonus := float64(len(importantPattern.FindAllString(trimmed, -1))) * 0.7
	if importantBonus > 2.1 {
		importantBonus = 2.1
	}
	score += importantBonus

	if score > 10 {
		score = 10
	}
	if score < 0 {
		score = 0
	}
	score = math.Round(score*10) / 10

	return Score{
		Score:         score,
		Label:         labelFor(score),
		WordCount:     wordCount,
		ActionDensity: math.Round(density*100) / 100,
	}
}

func labelFor(score float64) string {
	switch {
	case score <= 2:
		return LabelSkip
	case score <= 4:
		return LabelLow
	case score <= 6:
		return LabelMedium
	case score <= 8:
		return LabelHigh
	default:
		return LabelCritical
	}
}

func countSentences(text string) int {
	n := 0
	for _, part := range sentenceSplit.Split(text, -1) {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// symbolsOnly reports whether the text has no letters or digits at all
// (emoji-only or punctuation-only replies).
func symbolsOnly(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
