// Package risk implements the Risk Assessor and confirmation gate (C7):
// mapping an (action verb, params, query text) triple to a RiskLevel, and
// holding pending confirmations behind a TTL-pruned store.
package risk

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/corvynix/voxctl/pkg/models"
)

type verbSet map[string]struct{}

func (s verbSet) has(v string) bool {
	_, ok := s[v]
	return ok
}

func set(words ...string) verbSet {
	m := make(verbSet, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

var (
	safeVerbs        = set("list", "get", "read", "view", "search", "find")
	lowVerbs         = set("create", "add", "new", "post", "send", "schedule")
	medVerbs         = set("update", "edit", "modify", "change", "move", "rename")
	destructiveVerbs = set("delete", "remove", "cancel", "clear", "purge", "wipe")

	notificationVerbs = set("send", "post", "message", "email")

	// Word-boundary matched so "all" doesn't fire on "install"/"recall".
	fanOutWordPattern = regexp.MustCompile(`(?i)\b(all|every|bulk|multiple)\b`)

	secretAlnumRun = regexp.MustCompile(`[A-Z0-9]{32,}`)
	secretDigitRun = regexp.MustCompile(`\b\d{13,16}\b`)
)

// Assessment is the Risk Assessor's verdict on one PlanStep.
type Assessment struct {
	Level       models.RiskLevel
	Destructive bool
	Reasons     []string
}

// Assess computes the Assessment for one PlanStep as the maximum of every
// contributing signal in §4.6.
func Assess(verb string, params map[string]any, queryText string) Assessment {
	verb = strings.ToLower(verb)
	a := Assessment{Level: models.RiskSafe}

	raise := func(level models.RiskLevel, reason string) {
		if level > a.Level {
			a.Level = level
		}
		a.Reasons = append(a.Reasons, reason)
	}

	switch {
	case destructiveVerbs.has(verb):
		raise(models.RiskMedium, "destructive action verb: "+verb)
		a.Destructive = true
	case medVerbs.has(verb):
		raise(models.RiskMedium, "mutating action verb: "+verb)
	case lowVerbs.has(verb):
		raise(models.RiskLow, "creating action verb: "+verb)
	case safeVerbs.has(verb):
		raise(models.RiskSafe, "read-only action verb: "+verb)
	}

	if containsFanOutWord(queryText) {
		raise(models.RiskHigh, "query implies a bulk/fan-out operation")
	}
	if countOrIDsExceedFive(params) {
		raise(models.RiskHigh, "more than 5 items targeted")
	}
	if hasNotificationSignal(verb, params) {
		raise(models.RiskLow, "external notification (attendees/recipients)")
	}
	if hasSecretMaterial(params) {
		raise(models.RiskMedium, "parameter resembles secret material")
	}

	return a
}

func containsFanOutWord(queryText string) bool {
	return fanOutWordPattern.MatchString(queryText)
}

func countOrIDsExceedFive(params map[string]any) bool {
	if count, ok := numericParam(params, "count"); ok && count > 5 {
		return true
	}
	if ids, ok := params["ids"].([]any); ok && len(ids) > 5 {
		return true
	}
	return false
}

func numericParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func hasNotificationSignal(verb string, params map[string]any) bool {
	if notificationVerbs.has(verb) {
		return true
	}
	_, hasAttendees := params["attendees"]
	_, hasRecipients := params["recipients"]
	return hasAttendees || hasRecipients
}

func hasSecretMaterial(params map[string]any) bool {
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(k), "password") || strings.Contains(strings.ToLower(s), "password") {
			return true
		}
		if secretAlnumRun.MatchString(s) || secretDigitRun.MatchString(s) {
			return true
		}
	}
	return false
}
