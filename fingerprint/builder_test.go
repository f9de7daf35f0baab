package fingerprint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/plangen/types"
)

func TestBuild_Deterministic(t *testing.T) {
	b := NewBuilder(true)

	params := &types.GenerationParams{
		CalorieTarget: 2000,
		MealsPerDay:   4,
		DaysCount:     7,
		DietType:      "keto",
		Allergens:     []string{"peanuts", "shellfish"},
	}

	first, err := b.Build(types.DomainDiet, params, "user-1")
	require.NoError(t, err)

	second, err := b.Build(types.DomainDiet, params, "user-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestBuild_ListOrderInsensitive(t *testing.T) {
	b := NewBuilder(false)

	a, err := b.Build(types.DomainDiet, &types.GenerationParams{
		CalorieTarget: 1800,
		Allergens:     []string{"shellfish", "Peanuts", "peanuts"},
	}, "")
	require.NoError(t, err)

	c, err := b.Build(types.DomainDiet, &types.GenerationParams{
		CalorieTarget: 1800,
		Allergens:     []string{"peanuts", "shellfish"},
	}, "")
	require.NoError(t, err)

	assert.Equal(t, a, c)
}

func TestBuild_VolatileFieldsIgnored(t *testing.T) {
	b := NewBuilder(true)

	params := &types.GenerationParams{
		FitnessLevel:    "intermediate",
		SessionsPerWeek: 3,
		RequestID:       "req-123",
		RequestedAt:     time.Now(),
	}

	first, err := b.Build(types.DomainWorkout, params, "user-7")
	require.NoError(t, err)

	params.RequestID = "req-456"
	params.RequestedAt = time.Now().Add(time.Hour)

	second, err := b.Build(types.DomainWorkout, params, "user-7")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuild_DistinctInputsDistinctKeys(t *testing.T) {
	b := NewBuilder(true)

	base := &types.GenerationParams{CalorieTarget: 2000, DaysCount: 7}

	diet, err := b.Build(types.DomainDiet, base, "user-1")
	require.NoError(t, err)

	workout, err := b.Build(types.DomainWorkout, base, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, diet, workout)

	otherUser, err := b.Build(types.DomainDiet, base, "user-2")
	require.NoError(t, err)
	assert.NotEqual(t, diet, otherUser)

	otherParams, err := b.Build(types.DomainDiet, &types.GenerationParams{CalorieTarget: 2100, DaysCount: 7}, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, diet, otherParams)
}

func TestBuild_ImpersonalBuilderIgnoresUser(t *testing.T) {
	b := NewBuilder(false)

	params := &types.GenerationParams{CalorieTarget: 2000}

	a, err := b.Build(types.DomainDiet, params, "user-1")
	require.NoError(t, err)

	c, err := b.Build(types.DomainDiet, params, "user-2")
	require.NoError(t, err)

	assert.Equal(t, a, c)
}

func TestBuild_Invalid(t *testing.T) {
	b := NewBuilder(true)

	_, err := b.Build(types.Domain("yoga"), &types.GenerationParams{}, "user-1")
	assert.ErrorIs(t, err, types.ErrDomainUnknown)

	_, err = b.Build(types.DomainDiet, nil, "user-1")
	assert.ErrorIs(t, err, types.ErrParamsInvalid)
}
