package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/planforge/plangen/types"
)

// Builder derives the cache and dedup key for a generation request.
// Equal semantic requests must always produce the same key, so the
// encoding is canonical: fields in a fixed order, list values sorted
// and de-duplicated, volatile fields (request id, timestamps) excluded.
type Builder struct {
	personalized bool
}

func NewBuilder(personalized bool) *Builder {
	return &Builder{personalized: personalized}
}

func (b *Builder) Build(domain types.Domain, params *types.GenerationParams, userID string) (string, error) {
	if !domain.Valid() {
		return "", types.Errorf(types.ErrDomainUnknown, "domain: %s", domain)
	}

	if params == nil {
		return "", types.ErrParamsInvalid
	}

	var sb strings.Builder
	sb.Grow(256)

	writeField(&sb, "domain", string(domain))
	if b.personalized && userID != "" {
		writeField(&sb, "user", userID)
	}

	writeIntField(&sb, "calorie_target", params.CalorieTarget)
	writeIntField(&sb, "meals_per_day", params.MealsPerDay)
	writeIntField(&sb, "days_count", params.DaysCount)
	writeField(&sb, "diet_type", normalizeScalar(params.DietType))
	writeListField(&sb, "allergens", params.Allergens)
	writeListField(&sb, "exclusions", params.Exclusions)
	writeField(&sb, "fitness_level", normalizeScalar(params.FitnessLevel))
	writeIntField(&sb, "sessions_per_week", params.SessionsPerWeek)
	writeListField(&sb, "equipment", params.Equipment)
	writeListField(&sb, "focus_areas", params.FocusAreas)

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), nil
}

func writeField(sb *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	sb.WriteString(key)
	sb.WriteByte('=')
	sb.WriteString(value)
	sb.WriteByte(';')
}

func writeIntField(sb *strings.Builder, key string, value int) {
	if value == 0 {
		return
	}
	writeField(sb, key, strconv.Itoa(value))
}

func writeListField(sb *strings.Builder, key string, values []string) {
	if len(values) == 0 {
		return
	}

	normalized := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))

	for _, v := range values {
		n := normalizeScalar(v)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		normalized = append(normalized, n)
	}

	if len(normalized) == 0 {
		return
	}

	sort.Strings(normalized)
	writeField(sb, key, strings.Join(normalized, ","))
}

func normalizeScalar(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
