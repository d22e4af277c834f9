package intent

import (
	"regexp"
	"strings"
)

// Domain buckets an utterance into one of the app's surfaces.
type Domain string

const (
	DomainWheels  Domain = "wheels"
	DomainWins    Domain = "wins"
	DomainSocial  Domain = "social"
	DomainYou     Domain = "you"
	DomainGeneral Domain = "general"
)

// Intent is the classified reading of one utterance. Entities are the
// spans the matching rule extracted, keyed by capture-group name.
type Intent struct {
	Domain     Domain            `json:"domain"`
	Name       string            `json:"name"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
	Utterance  string            `json:"utterance"`
}

// Rule matches an utterance against keywords and an optional pattern.
// Keywords gate cheaply; the pattern refines the match and pulls out
// entities through named capture groups.
type Rule struct {
	Name       string
	Domain     Domain
	Keywords   []string
	Pattern    *regexp.Regexp
	Confidence float64
}

func (r Rule) match(lower string) (map[string]string, bool) {
	for _, kw := range r.Keywords {
		if strings.Contains(lower, kw) {
			return r.extract(lower), true
		}
	}
	if r.Pattern != nil && r.Pattern.MatchString(lower) {
		return r.extract(lower), true
	}
	return nil, false
}

func (r Rule) extract(lower string) map[string]string {
	if r.Pattern == nil {
		return nil
	}
	match := r.Pattern.FindStringSubmatch(lower)
	if match == nil {
		return nil
	}
	entities := make(map[string]string)
	for i, name := range r.Pattern.SubexpNames() {
		if name == "" || i >= len(match) || match[i] == "" {
			continue
		}
		entities[name] = strings.TrimSpace(match[i])
	}
	if len(entities) == 0 {
		return nil
	}
	return entities
}

// Classifier walks an ordered rule list; the first matching rule wins.
// An utterance no rule claims falls through to general at 0.5.
type Classifier struct {
	rules []Rule
}

func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

func (c *Classifier) Classify(utterance string) Intent {
	lower := strings.ToLower(strings.TrimSpace(utterance))
	for _, rule := range c.rules {
		if entities, ok := rule.match(lower); ok {
			return Intent{
				Domain:     rule.Domain,
				Name:       rule.Name,
				Confidence: rule.Confidence,
				Entities:   entities,
				Utterance:  utterance,
			}
		}
	}
	return Intent{
		Domain:     DomainGeneral,
		Name:       "general_query",
		Confidence: 0.5,
		Utterance:  utterance,
	}
}

// DefaultRules is the shipped rule set. Order matters: more specific
// rules sit above the broad domain catch-alls.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "plan_trip",
			Domain:     DomainWheels,
			Pattern:    regexp.MustCompile(`(?:plan|route|map out)\s+(?:a\s+|the\s+|my\s+)?(?:trip|route|drive)(?:\s+(?:to|toward|through)\s+(?P<destination>[a-z][a-z .'-]*?))?(?:\s+with\s+(?P<interests>[a-z][a-z ,.'-]*?))?$`),
			Confidence: 0.92,
		},
		{
			Name:       "find_campground",
			Domain:     DomainWheels,
			Pattern:    regexp.MustCompile(`(?:campground|campsite|rv park|boondock)`),
			Confidence: 0.9,
		},
		{
			Name:       "log_fuel",
			Domain:     DomainWheels,
			Pattern:    regexp.MustCompile(`(?:fuel|gas|diesel)\s+(?:stop|fill|purchase|up)`),
			Confidence: 0.88,
		},
		{
			Name:       "budget_status",
			Domain:     DomainWins,
			Pattern:    regexp.MustCompile(`budget|how much (?:have i|did i|we) spent|spending`),
			Confidence: 0.88,
		},
		{
			Name:       "log_expense",
			Domain:     DomainWins,
			Pattern:    regexp.MustCompile(`(?:(?:log|add|record|track)\s+(?:an?\s+)?(?:expense|purchase|spend)|spent)(?:\s+(?:of\s+)?\$?(?P<amount>\d+(?:\.\d+)?)(?:\s*(?:dollars|bucks))?)?(?:\s+(?:on|for)\s+(?P<category>[a-z]+))?`),
			Confidence: 0.9,
		},
		{
			Name:       "group_update",
			Domain:     DomainSocial,
			Pattern:    regexp.MustCompile(`(?:post|tell|share|update)\s+.*\b(?:group|caravan|friends)\b`),
			Confidence: 0.86,
		},
		{
			Name:       "profile_query",
			Domain:     DomainYou,
			Pattern:    regexp.MustCompile(`my (?:profile|rig|preferences|account|home base)`),
			Confidence: 0.85,
		},
		{
			Name:       "weather_query",
			Domain:     DomainGeneral,
			Pattern:    regexp.MustCompile(`weather(?:\s+(?:in|at|near|for)\s+(?P<city>[a-z][a-z .'-]*?))?$`),
			Confidence: 0.9,
		},
		{
			Name:       "wheels_query",
			Domain:     DomainWheels,
			Keywords:   []string{"trip", "route", "drive", "road", "rv", "miles"},
			Confidence: 0.7,
		},
		{
			Name:       "wins_query",
			Domain:     DomainWins,
			Keywords:   []string{"expense", "money", "cost", "price", "dollar"},
			Confidence: 0.7,
		},
		{
			Name:       "social_query",
			Domain:     DomainSocial,
			Keywords:   []string{"group", "friend", "meetup", "caravan"},
			Confidence: 0.7,
		},
	}
}
