package catalog

import (
	"fmt"
	"time"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/amurg-ai/m10n/hub/internal/store"
)

// purchaseRule is a compiled expr-lang expression that must evaluate to
// true for a developer to purchase a plan. Rules see four variables:
// developer, plan, product (maps with snake_case keys) and now.
type purchaseRule struct {
	source  string
	program *exprvm.Program
}

func compileRules(sources []string) ([]purchaseRule, error) {
	rules := make([]purchaseRule, 0, len(sources))
	for _, src := range sources {
		if src == "" {
			return nil, fmt.Errorf("purchase rule must not be empty")
		}
		program, err := exprlang.Compile(src,
			exprlang.Env(map[string]any{}),
			exprlang.AllowUndefinedVariables(),
			exprlang.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("compile purchase rule %q: %w", src, err)
		}
		rules = append(rules, purchaseRule{source: src, program: program})
	}
	return rules, nil
}

func (r purchaseRule) allows(env map[string]any) (bool, error) {
	out, err := exprlang.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate purchase rule %q: %w", r.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func ruleEnv(dev *store.User, plan *store.RatePlan, product *store.Product, now time.Time) map[string]any {
	env := map[string]any{
		"now": now,
		"developer": map[string]any{
			"id":       dev.ID,
			"username": dev.Username,
			"email":    dev.Email,
			"category": dev.Category,
			"role":     dev.Role,
		},
		"plan": map[string]any{
			"id":             plan.ID,
			"name":           plan.Name,
			"type":           plan.Type,
			"category":       plan.Category,
			"currency_code":  plan.CurrencyCode,
			"billing_period": plan.BillingPeriod,
			"published":      plan.Published,
		},
	}
	if product != nil {
		env["product"] = map[string]any{
			"id":   product.ID,
			"name": product.Name,
		}
	}
	return env
}
