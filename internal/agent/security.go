// File: internal/agent/security.go
package agent

import (
	"regexp"
	"strings"
)

// SecurityPolicy decides, per proposed action, whether a human must confirm
// before execution. The check order is fixed; the first match wins.
type SecurityPolicy struct {
	destructive *regexp.Regexp
	cardDigits  *regexp.Regexp
	paths       *regexp.Regexp
	domains     *regexp.Regexp
}

const defaultDestructivePattern = `(?i)(pay|buy|checkout|order|confirm payment|card|cvv|delete|remove|unsubscribe|transfer|ssn|social security|bank account)`

// DefaultSensitivePaths and DefaultRiskyDomains are comma-separated keyword
// lists used when configuration does not override them.
const (
	DefaultSensitivePaths = "payment,checkout,billing,account/close,delete,unsubscribe"
	DefaultRiskyDomains   = "paypal,stripe,bank,billing,secure"
)

var sensitiveFormTokens = []string{"card", "cc", "cvv", "billing", "payment", "ssn", "passport", "account", "email"}

// NewSecurityPolicy compiles the policy. Empty lists fall back to the
// defaults so the policy can never be accidentally disabled by blank config.
func NewSecurityPolicy(sensitivePaths, riskyDomains string) *SecurityPolicy {
	if strings.TrimSpace(sensitivePaths) == "" {
		sensitivePaths = DefaultSensitivePaths
	}
	if strings.TrimSpace(riskyDomains) == "" {
		riskyDomains = DefaultRiskyDomains
	}
	return &SecurityPolicy{
		destructive: regexp.MustCompile(defaultDestructivePattern),
		cardDigits:  regexp.MustCompile(`\b\d{13,19}\b`),
		paths:       compileKeywordAlternation(sensitivePaths),
		domains:     compileKeywordAlternation(riskyDomains),
	}
}

func compileKeywordAlternation(csv string) *regexp.Regexp {
	var parts []string
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, regexp.QuoteMeta(p))
		}
	}
	return regexp.MustCompile(`(?i)` + strings.Join(parts, "|"))
}

// Analyze runs the ordered checks:
//
//  1. meta actions (done, ask_user) never need confirmation
//  2. destructive keyword in the value or the target element's text/role/tag
//  3. a type action whose value carries a 13-19 digit run (card-like)
//  4. a sensitive form control anywhere on the page
//  5. a navigation-class action whose target matches sensitive paths or
//     risky domains
//  6. the action's own requires_confirmation flag
func (p *SecurityPolicy) Analyze(action Action, obs *Observation) SecurityDecision {
	if action.Type.IsMeta() {
		return SecurityDecision{}
	}

	elementText := ""
	if action.ElementID != nil {
		if el := obs.Element(*action.ElementID); el != nil {
			elementText = el.Text + " " + el.Role + " " + el.Tag
		}
	}
	combined := strings.TrimSpace(action.Value + " " + elementText)
	if p.destructive.MatchString(combined) {
		return SecurityDecision{RequiresConfirmation: true, Reason: "matched destructive keyword"}
	}

	if action.Type == ActionTypeText && p.cardDigits.MatchString(strings.ReplaceAll(action.Value, " ", "")) {
		return SecurityDecision{RequiresConfirmation: true, Reason: "value looks like a card number"}
	}

	if hasSensitiveForm(obs) {
		return SecurityDecision{RequiresConfirmation: true, Reason: "sensitive form detected on page"}
	}

	if action.Type.IsNavigation() {
		target := strings.ToLower(action.Value)
		if p.paths.MatchString(target) || p.domains.MatchString(target) {
			return SecurityDecision{RequiresConfirmation: true, Reason: "navigation to risky domain or path"}
		}
	}

	return SecurityDecision{RequiresConfirmation: action.RequiresConfirmation}
}

// hasSensitiveForm scans only form-like controls so nav links and tab labels
// cannot trip the payment heuristics.
func hasSensitiveForm(obs *Observation) bool {
	if obs == nil {
		return false
	}
	for _, el := range obs.Mapping {
		tag := strings.ToLower(el.Tag)
		role := strings.ToLower(el.Role)
		formControl := tag == "input" || tag == "textarea" || tag == "select" || tag == "form" ||
			role == "input" || role == "textbox" || role == "combobox" || role == "searchbox"
		if !formControl {
			continue
		}
		combined := strings.ToLower(strings.Join([]string{el.Text, el.AttrName, el.AttrID, el.AriaLabel}, " "))
		for _, tok := range sensitiveFormTokens {
			if strings.Contains(combined, tok) {
				return true
			}
		}
	}
	return false
}
