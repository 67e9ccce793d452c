// Package rulepredictor is the deterministic next-route predictor used whenever no model answer is available.
package rulepredictor

import (
	"regexp"
	"strconv"
	"strings"
)

// MaxPredictions is the most routes a prediction may contain.
const MaxPredictions = 3

type Predictor struct {
	policy     Policy
	categoryRe *regexp.Regexp
	productRe  *regexp.Regexp
}

// New creates a predictor for the given policy.
// Empty policy fields take their defaults.
func New(policy Policy) *Predictor {
	policy = policy.withDefaults()
	return &Predictor{
		policy:     policy,
		categoryRe: regexp.MustCompile(`^` + regexp.QuoteMeta(policy.CategoryPrefix) + `([^/?#]+)`),
		productRe:  regexp.MustCompile(`^` + regexp.QuoteMeta(policy.ProductPrefix) + `(\d+)`),
	}
}

// Policy returns the effective policy.
func (p *Predictor) Policy() Policy {
	return p.policy
}

// Predict returns up to three likely next routes, based only on the last visited route.
func (p *Predictor) Predict(paths []string) []string {
	if len(paths) == 0 {
		return []string{}
	}
	last := paths[len(paths)-1]
	pol := p.policy

	var candidates []string
	switch {
	case last == pol.Home:
		candidates = []string{pol.Category("1"), pol.Category("2"), pol.Profile}
	case p.categoryRe.MatchString(last):
		id := p.categoryRe.FindStringSubmatch(last)[1]
		candidates = []string{pol.Category(id), pol.Product("1"), pol.Product("2")}
	case p.productRe.MatchString(last):
		id := p.productRe.FindStringSubmatch(last)[1]
		candidates = []string{pol.Category("1"), pol.Product(nextID(id)), pol.Home}
	case last == pol.Profile:
		candidates = []string{pol.Home, pol.Category("1"), pol.Category("2")}
	default:
		candidates = []string{pol.Home, pol.Category("1"), pol.Profile}
	}
	return Dedupe(candidates, MaxPredictions)
}

// nextID increments a decimal id, keeping the original string if it overflows.
func nextID(id string) string {
	n, err := strconv.ParseUint(id, 10, 63)
	if err != nil {
		return id
	}
	return strconv.FormatUint(n+1, 10)
}

// Dedupe drops empty and repeated routes, keeping first occurrences in order,
// and truncates the result to max entries.
func Dedupe(routes []string, max int) []string {
	out := make([]string, 0, len(routes))
	seen := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		if len(out) >= max {
			break
		}
		if strings.TrimSpace(r) == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
