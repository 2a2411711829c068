package validator

import (
	"regexp"
	"strings"

	"github.com/capstanhq/capstan/pkg/ir"
)

// Risk tiers: 0 none, 1 low, 2 elevated (requires approval), 3 destructive.
var (
	destructiveActionRe = regexp.MustCompile(`(?i)(delete|destroy|uninstall|drop|truncate|remove|purge)`)
	productionMarkerRe  = regexp.MustCompile(`(?i)\b(production|prod|live)\b`)
	criticalERPModelRe  = regexp.MustCompile(`\b(account\.(move|payment|invoice)|sale\.order|purchase\.order)\b`)
)

var productionEnvironments = map[string]bool{
	"production": true,
	"prod":       true,
	"live":       true,
}

// stepRiskTier computes max(action_tier, scope_tier, impact_tier) for a step.
func stepRiskTier(step *ir.Step) int {
	tier := actionTier(step.Action)
	if t := scopeTier(step); t > tier {
		tier = t
	}
	if t := impactTier(step); t > tier {
		tier = t
	}
	return tier
}

func actionTier(action string) int {
	if destructiveActionRe.MatchString(action) {
		return 3
	}
	switch action {
	case ir.ActionDNSDeleteZone, ir.ActionInfraDestroy:
		return 3
	case ir.ActionDNSUpdateRecords, ir.ActionDNSCreateZone, ir.ActionERPInstallModule:
		return 2
	case ir.ActionWebGenerateSite:
		return 1
	}
	if strings.HasPrefix(action, "deploy.") {
		return 1
	}
	return 0
}

// scopeTier escalates anything that targets a production environment or
// carries production markers in resource/params.
func scopeTier(step *ir.Step) int {
	if productionEnvironments[strings.ToLower(step.Environment())] {
		return 2
	}
	if productionMarkerRe.MatchString(step.Resource) {
		return 2
	}
	for _, v := range step.Params {
		if s, ok := v.(string); ok && productionMarkerRe.MatchString(s) {
			return 2
		}
	}
	return 0
}

// impactTier escalates ERP record operations on critical accounting models
// and anything flagged as a bulk/batch operation.
func impactTier(step *ir.Step) int {
	if strings.HasPrefix(step.Action, "erp.") && strings.HasSuffix(step.Action, "_record") {
		if model, ok := step.Params["model"].(string); ok && criticalERPModelRe.MatchString(model) {
			return 3
		}
		if criticalERPModelRe.MatchString(step.Resource) {
			return 3
		}
	}
	if hasBulkMarker(step.Params) {
		return 3
	}
	return 0
}

// hasBulkMarker reports whether params carry a bulk/batch marker. An explicit
// boolean false disables the marker; any other value counts as present.
func hasBulkMarker(params map[string]any) bool {
	for k, v := range params {
		lk := strings.ToLower(k)
		if !strings.HasPrefix(lk, "bulk") && !strings.HasPrefix(lk, "batch") {
			continue
		}
		if b, ok := v.(bool); ok && !b {
			continue
		}
		return true
	}
	return false
}
