package handoff

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Policy holds the deployment-specific escalation triggers.
type Policy struct {
	// MisunderstandingThreshold is the number of consecutive assistant
	// replies containing a misunderstanding marker that prompts the caller to
	// confirm a transfer.
	MisunderstandingThreshold int `yaml:"misunderstanding_threshold"`

	// ToolErrorThreshold is the number of consecutive failed tool executions
	// after which the call is transferred without asking.
	ToolErrorThreshold int `yaml:"tool_error_threshold"`

	// RequestPhrases in a user turn transfer the call directly.
	RequestPhrases []string `yaml:"request_phrases"`

	// MisunderstandingMarkers identify assistant replies that admit not
	// having understood the caller.
	MisunderstandingMarkers []string `yaml:"misunderstanding_markers"`

	// TransferPhrases in an assistant reply mean the model itself decided to
	// hand the caller over.
	TransferPhrases []string `yaml:"transfer_phrases"`

	Affirmatives []string `yaml:"affirmatives"`
	Negatives    []string `yaml:"negatives"`
}

// DefaultPolicy returns the German/English trigger set used when the
// deployment configures nothing else.
func DefaultPolicy() Policy {
	return Policy{
		MisunderstandingThreshold: 3,
		ToolErrorThreshold:        2,
		RequestPhrases: []string{
			"mitarbeiter", "mitarbeiterin", "echten menschen", "einem menschen", "mit jemandem sprechen",
			"verbinden sie mich", "durchstellen", "chef sprechen",
			"real person", "human", "operator", "talk to someone", "transfer me",
		},
		MisunderstandingMarkers: []string{
			"nicht verstanden", "nicht ganz verstanden", "nicht richtig verstanden", "leider nicht verstehen",
			"didn't understand", "did not understand", "didn't catch", "did not catch",
		},
		TransferPhrases: []string{
			"ich verbinde sie", "verbinde sie jetzt", "i'll connect you", "i will connect you", "i'll transfer you",
		},
		Affirmatives: []string{"ja", "jawohl", "gerne", "genau", "klar", "natürlich", "richtig", "yes", "yeah", "sure", "okay", "ok"},
		Negatives:    []string{"nein", "nee", "nö", "niemals", "no", "nope"},
	}
}

// withDefaults fills zero thresholds and empty lists from [DefaultPolicy].
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MisunderstandingThreshold <= 0 {
		p.MisunderstandingThreshold = d.MisunderstandingThreshold
	}
	if p.ToolErrorThreshold <= 0 {
		p.ToolErrorThreshold = d.ToolErrorThreshold
	}
	if len(p.RequestPhrases) == 0 {
		p.RequestPhrases = d.RequestPhrases
	}
	if len(p.MisunderstandingMarkers) == 0 {
		p.MisunderstandingMarkers = d.MisunderstandingMarkers
	}
	if len(p.TransferPhrases) == 0 {
		p.TransferPhrases = d.TransferPhrases
	}
	if len(p.Affirmatives) == 0 {
		p.Affirmatives = d.Affirmatives
	}
	if len(p.Negatives) == 0 {
		p.Negatives = d.Negatives
	}
	return p
}

// Answer is the classification of a reply to the confirmation prompt.
type Answer int

const (
	AnswerUnclear Answer = iota
	AnswerYes
	AnswerNo
)

// fuzzyThreshold is the Jaro-Winkler similarity above which a transcribed
// token counts as a yes/no keyword. Only tokens of four or more letters are
// matched fuzzily; "ein" scores 0.92 against "nein".
const fuzzyThreshold = 0.94

// Classify decides whether text answers yes or no. A negative anywhere wins
// over an affirmative ("ja, nein doch nicht").
func (p Policy) Classify(text string) Answer {
	tokens := tokenize(text)
	if matchAnyToken(tokens, p.Negatives) {
		return AnswerNo
	}
	if matchAnyToken(tokens, p.Affirmatives) {
		return AnswerYes
	}
	return AnswerUnclear
}

func matchAnyToken(tokens, keywords []string) bool {
	for _, tok := range tokens {
		for _, kw := range keywords {
			kw = strings.ToLower(kw)
			if tok == kw {
				return true
			}
			if len([]rune(tok)) >= 4 && len([]rune(kw)) >= 4 && matchr.JaroWinkler(tok, kw, false) >= fuzzyThreshold {
				return true
			}
		}
	}
	return false
}

// containsAny reports whether text contains one of phrases, case-insensitive.
// apostrophes folds typographic apostrophes, which models often emit, into
// the ASCII one used by the phrase lists.
var apostrophes = strings.NewReplacer("\u2019", "'", "\u2018", "'", "\u02bc", "'")

func containsAny(text string, phrases []string) bool {
	lower := apostrophes.Replace(strings.ToLower(text))
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, apostrophes.Replace(strings.ToLower(p))) {
			return true
		}
	}
	return false
}

func tokenize(text string) []string {
	return strings.FieldsFunc(apostrophes.Replace(strings.ToLower(text)), func(r rune) bool {
		return !(r == '\'' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
}

// NormalizeNumber reduces a phone number to "+" and digits so differently
// formatted spellings of the same number compare equal.
func NormalizeNumber(s string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	n := b.String()
	if strings.HasPrefix(n, "00") {
		n = "+" + n[2:]
	}
	return n
}

// SelectTarget returns the first handoff number that is neither the bot's own
// number nor the number the call was forwarded from.
func SelectTarget(targets []string, botNumber, forwardedFrom string) string {
	bot := NormalizeNumber(botNumber)
	fwd := NormalizeNumber(forwardedFrom)
	for _, t := range targets {
		n := NormalizeNumber(t)
		if n == "" || n == "+" {
			continue
		}
		if (bot != "" && n == bot) || (fwd != "" && n == fwd) {
			continue
		}
		return strings.TrimSpace(t)
	}
	return ""
}
