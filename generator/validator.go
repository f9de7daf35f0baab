package generator

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/planforge/plangen/types"
	"github.com/planforge/plangen/utils"
)

const (
	calorieWarnDrift = 0.05
	calorieMaxDrift  = 0.15
)

type dietPlan struct {
	Days []dietDay `json:"days"`
}

type dietDay struct {
	Meals         []dietMeal `json:"meals"`
	TotalCalories int        `json:"total_calories"`
}

type dietMeal struct {
	Name        string   `json:"name"`
	Ingredients []string `json:"ingredients"`
	Calories    int      `json:"calories"`
}

type workoutPlan struct {
	Sessions []workoutSession `json:"sessions"`
}

type workoutSession struct {
	Day       string     `json:"day"`
	Exercises []exercise `json:"exercises"`
}

type exercise struct {
	Name      string `json:"name"`
	Equipment string `json:"equipment,omitempty"`
}

// Validator applies the domain rules to generated plans. A failed rule is
// terminal for the request since regenerating with identical parameters
// tends to reproduce the same violation.
type Validator struct{}

func NewValidator() types.PlanValidator {
	return &Validator{}
}

func (v *Validator) Validate(payload json.RawMessage, domain types.Domain, params types.GenerationParams) types.ValidationResult {
	switch domain {
	case types.DomainDiet:
		return v.validateDiet(payload, params)
	case types.DomainWorkout:
		return v.validateWorkout(payload, params)
	default:
		return invalid("domain", fmt.Sprintf("unknown domain %q", domain))
	}
}

func (v *Validator) validateDiet(payload json.RawMessage, params types.GenerationParams) types.ValidationResult {
	var plan dietPlan
	if err := utils.Unmarshal(payload, &plan); err != nil {
		return invalid("payload", "diet plan payload is not decodable")
	}
	if len(plan.Days) == 0 {
		return invalid("days", "diet plan contains no days")
	}

	result := types.ValidationResult{Valid: true}

	for dayIdx, day := range plan.Days {
		if len(day.Meals) == 0 {
			addError(&result, "meals", fmt.Sprintf("day %d has no meals", dayIdx+1))
			continue
		}

		if params.MealsPerDay > 0 && len(day.Meals) != params.MealsPerDay {
			addWarning(&result, "meals", fmt.Sprintf("day %d has %d meals, %d requested",
				dayIdx+1, len(day.Meals), params.MealsPerDay))
		}

		for _, meal := range day.Meals {
			if hit := containsAny(meal, params.Allergens); hit != "" {
				addError(&result, "allergens", fmt.Sprintf("meal %q contains listed allergen %q", meal.Name, hit))
			}
			if hit := containsAny(meal, params.Exclusions); hit != "" {
				addWarning(&result, "exclusions", fmt.Sprintf("meal %q contains excluded ingredient %q", meal.Name, hit))
			}
		}

		v.checkCalories(&result, dayIdx, day, params.CalorieTarget)
	}

	return result
}

func (v *Validator) checkCalories(result *types.ValidationResult, dayIdx int, day dietDay, target int) {
	if target <= 0 {
		return
	}

	total := day.TotalCalories
	if total == 0 {
		for _, meal := range day.Meals {
			total += meal.Calories
		}
	}
	if total == 0 {
		addWarning(result, "calories", fmt.Sprintf("day %d reports no calorie data", dayIdx+1))
		return
	}

	drift := math.Abs(float64(total)-float64(target)) / float64(target)
	switch {
	case drift > calorieMaxDrift:
		addError(result, "calories", fmt.Sprintf("day %d totals %d kcal, drifts %.0f%% from target %d",
			dayIdx+1, total, drift*100, target))
	case drift > calorieWarnDrift:
		addWarning(result, "calories", fmt.Sprintf("day %d totals %d kcal against target %d",
			dayIdx+1, total, target))
	}
}

func (v *Validator) validateWorkout(payload json.RawMessage, params types.GenerationParams) types.ValidationResult {
	var plan workoutPlan
	if err := utils.Unmarshal(payload, &plan); err != nil {
		return invalid("payload", "workout plan payload is not decodable")
	}
	if len(plan.Sessions) == 0 {
		return invalid("sessions", "workout plan contains no sessions")
	}

	result := types.ValidationResult{Valid: true}

	if params.SessionsPerWeek > 0 && len(plan.Sessions) != params.SessionsPerWeek {
		addWarning(&result, "sessions", fmt.Sprintf("plan has %d sessions, %d requested",
			len(plan.Sessions), params.SessionsPerWeek))
	}

	allowed := normalizeSet(params.Equipment)

	for _, session := range plan.Sessions {
		if len(session.Exercises) == 0 {
			addError(&result, "exercises", fmt.Sprintf("session %q has no exercises", session.Day))
			continue
		}

		if len(allowed) == 0 {
			continue
		}
		for _, ex := range session.Exercises {
			equipment := strings.ToLower(strings.TrimSpace(ex.Equipment))
			if equipment == "" || equipment == "none" || equipment == "bodyweight" {
				continue
			}
			if !allowed[equipment] {
				addError(&result, "equipment", fmt.Sprintf("exercise %q needs unavailable equipment %q",
					ex.Name, ex.Equipment))
			}
		}
	}

	return result
}

func containsAny(meal dietMeal, terms []string) string {
	for _, term := range terms {
		needle := strings.ToLower(strings.TrimSpace(term))
		if needle == "" {
			continue
		}
		if strings.Contains(strings.ToLower(meal.Name), needle) {
			return term
		}
		for _, ingredient := range meal.Ingredients {
			if strings.Contains(strings.ToLower(ingredient), needle) {
				return term
			}
		}
	}
	return ""
}

func normalizeSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]bool, len(values))
	for _, value := range values {
		normalized := strings.ToLower(strings.TrimSpace(value))
		if normalized != "" {
			out[normalized] = true
		}
	}
	return out
}

func invalid(field, message string) types.ValidationResult {
	return types.ValidationResult{
		Valid:  false,
		Errors: []types.ValidationIssue{{Field: field, Message: message}},
	}
}

func addError(result *types.ValidationResult, field, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, types.ValidationIssue{Field: field, Message: message})
}

func addWarning(result *types.ValidationResult, field, message string) {
	result.Warnings = append(result.Warnings, types.ValidationIssue{Field: field, Message: message})
}
