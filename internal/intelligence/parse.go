package intelligence

import (
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ledgerline/opshub/internal/db"
)

// ErrMalformedAnswer means the model reply held no usable JSON.
var ErrMalformedAnswer = errors.New("model answer is not valid JSON")

// Email categories stored on classifications.
const (
	CategoryClientRequest = "client_request"
	CategoryBilling       = "billing"
	CategoryTaxDocument   = "tax_document"
	CategoryScheduling    = "scheduling"
	CategoryMarketing     = "marketing"
	CategoryPersonal      = "personal"
	CategoryOther         = "other"
)

var categories = map[string]bool{
	CategoryClientRequest: true,
	CategoryBilling:       true,
	CategoryTaxDocument:   true,
	CategoryScheduling:    true,
	CategoryMarketing:     true,
	CategoryPersonal:      true,
	CategoryOther:         true,
}

// Candidate is a task proposed by the model.
type Candidate struct {
	Title       string
	Description string
	DueDate     *time.Time
	Priority    string
}

// ClassificationResult is the parsed classification answer.
type ClassificationResult struct {
	Category    string
	Priority    string
	Summary     string
	Confidence  float64
	ActionItems []Candidate
}

// ParseClassification reads a classification answer. Unknown categories
// become "other", priorities default to medium and confidence is clamped.
func ParseClassification(answer string) (*ClassificationResult, error) {
	raw, err := extractJSON(answer)
	if err != nil {
		return nil, err
	}
	doc := gjson.Parse(raw)

	res := &ClassificationResult{
		Category:   normalizeCategory(doc.Get("category").String()),
		Priority:   normalizePriority(doc.Get("priority").String()),
		Summary:    strings.TrimSpace(doc.Get("summary").String()),
		Confidence: clamp01(doc.Get("confidence").Float()),
	}
	items := doc.Get("action_items")
	if !items.Exists() {
		items = doc.Get("actionItems")
	}
	res.ActionItems = parseCandidates(items)
	return res, nil
}

// ParseCallTasks reads a follow-up answer, either {"tasks": [...]} or a bare
// array.
func ParseCallTasks(answer string) ([]Candidate, error) {
	raw, err := extractJSON(answer)
	if err != nil {
		return nil, err
	}
	doc := gjson.Parse(raw)
	if doc.IsArray() {
		return parseCandidates(doc), nil
	}
	return parseCandidates(doc.Get("tasks")), nil
}

func parseCandidates(list gjson.Result) []Candidate {
	out := []Candidate{}
	for _, item := range list.Array() {
		title := strings.TrimSpace(item.Get("title").String())
		if title == "" {
			continue
		}
		out = append(out, Candidate{
			Title:       truncate(title, 200),
			Description: strings.TrimSpace(item.Get("description").String()),
			DueDate:     parseDueDate(item.Get("due_date").String()),
			Priority:    normalizePriority(item.Get("priority").String()),
		})
	}
	return out
}

// extractJSON finds the outermost JSON object or array, tolerating code
// fences and prose around it.
func extractJSON(answer string) (string, error) {
	s := strings.TrimSpace(answer)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", ErrMalformedAnswer
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return "", ErrMalformedAnswer
	}
	raw := s[start : end+1]
	if !gjson.Valid(raw) {
		return "", ErrMalformedAnswer
	}
	return raw, nil
}

func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	c = strings.NewReplacer(" ", "_", "-", "_").Replace(c)
	if categories[c] {
		return c
	}
	return CategoryOther
}

func normalizePriority(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case db.PriorityLow, db.PriorityMedium, db.PriorityHigh, db.PriorityUrgent:
		return p
	case "critical", "asap", "immediate":
		return db.PriorityUrgent
	case "important":
		return db.PriorityHigh
	case "minor":
		return db.PriorityLow
	}
	return db.PriorityMedium
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func parseDueDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
