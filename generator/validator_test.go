package generator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/plangen/types"
)

func dietPayload(t *testing.T, plan dietPlan) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(plan)
	require.NoError(t, err)
	return payload
}

func workoutPayload(t *testing.T, plan workoutPlan) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(plan)
	require.NoError(t, err)
	return payload
}

func TestValidateDiet_Valid(t *testing.T) {
	v := NewValidator()

	payload := dietPayload(t, dietPlan{Days: []dietDay{{
		Meals: []dietMeal{
			{Name: "oatmeal", Ingredients: []string{"oats", "milk"}, Calories: 600},
			{Name: "chicken salad", Ingredients: []string{"chicken", "lettuce"}, Calories: 700},
			{Name: "rice bowl", Ingredients: []string{"rice", "beef"}, Calories: 700},
		},
	}}})

	result := v.Validate(payload, types.DomainDiet, types.GenerationParams{
		CalorieTarget: 2000,
		MealsPerDay:   3,
	})

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateDiet_AllergenRejected(t *testing.T) {
	v := NewValidator()

	payload := dietPayload(t, dietPlan{Days: []dietDay{{
		Meals: []dietMeal{{Name: "peanut stir fry", Ingredients: []string{"peanuts", "rice"}, Calories: 2000}},
	}}})

	result := v.Validate(payload, types.DomainDiet, types.GenerationParams{
		CalorieTarget: 2000,
		Allergens:     []string{"Peanut"},
	})

	require.False(t, result.Valid)
	assert.Equal(t, "allergens", result.Errors[0].Field)
}

func TestValidateDiet_CalorieDrift(t *testing.T) {
	v := NewValidator()
	params := types.GenerationParams{CalorieTarget: 2000}

	// 10% over target: warning only
	payload := dietPayload(t, dietPlan{Days: []dietDay{{
		Meals: []dietMeal{{Name: "feast", Calories: 2200}},
	}}})
	result := v.Validate(payload, types.DomainDiet, params)
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings)

	// 25% over target: rejected
	payload = dietPayload(t, dietPlan{Days: []dietDay{{
		Meals: []dietMeal{{Name: "bigger feast", Calories: 2500}},
	}}})
	result = v.Validate(payload, types.DomainDiet, params)
	assert.False(t, result.Valid)
}

func TestValidateDiet_ExclusionIsWarning(t *testing.T) {
	v := NewValidator()

	payload := dietPayload(t, dietPlan{Days: []dietDay{{
		Meals: []dietMeal{{Name: "pork chops", Ingredients: []string{"pork"}, Calories: 2000}},
	}}})

	result := v.Validate(payload, types.DomainDiet, types.GenerationParams{
		CalorieTarget: 2000,
		Exclusions:    []string{"pork"},
	})

	assert.True(t, result.Valid)
	require.NotEmpty(t, result.Warnings)
	assert.Equal(t, "exclusions", result.Warnings[0].Field)
}

func TestValidateDiet_MalformedPayload(t *testing.T) {
	v := NewValidator()

	result := v.Validate(json.RawMessage(`"not a plan"`), types.DomainDiet, types.GenerationParams{})
	assert.False(t, result.Valid)
}

func TestValidateWorkout_EquipmentConstraint(t *testing.T) {
	v := NewValidator()

	payload := workoutPayload(t, workoutPlan{Sessions: []workoutSession{{
		Day: "monday",
		Exercises: []exercise{
			{Name: "push ups", Equipment: "bodyweight"},
			{Name: "bench press", Equipment: "barbell"},
		},
	}}})

	result := v.Validate(payload, types.DomainWorkout, types.GenerationParams{
		Equipment: []string{"dumbbells"},
	})

	require.False(t, result.Valid)
	assert.Equal(t, "equipment", result.Errors[0].Field)
}

func TestValidateWorkout_Valid(t *testing.T) {
	v := NewValidator()

	payload := workoutPayload(t, workoutPlan{Sessions: []workoutSession{
		{Day: "monday", Exercises: []exercise{{Name: "squats", Equipment: "barbell"}}},
		{Day: "thursday", Exercises: []exercise{{Name: "deadlift", Equipment: "barbell"}}},
	}})

	result := v.Validate(payload, types.DomainWorkout, types.GenerationParams{
		SessionsPerWeek: 2,
		Equipment:       []string{"barbell"},
	})

	assert.True(t, result.Valid)
	assert.Empty(t, result.Warnings)
}

func TestValidateWorkout_EmptyPlan(t *testing.T) {
	v := NewValidator()

	result := v.Validate(workoutPayload(t, workoutPlan{}), types.DomainWorkout, types.GenerationParams{})
	assert.False(t, result.Valid)
}
