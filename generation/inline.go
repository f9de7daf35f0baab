package generation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/planforge/plangen/types"
)

// GenerateInline runs the generate, validate and publish sequence for a
// synchronous caller holding the lease. No job record is involved; failures
// surface directly to the caller instead of a retry loop.
func (p *Processor) GenerateInline(ctx context.Context, fingerprint, userID string, domain types.Domain, params types.GenerationParams) (*types.PlanEntry, error) {
	genCtx, cancel := context.WithTimeout(ctx, p.generationTimeout)
	defer cancel()

	genStart := time.Now()
	payload, usage, err := p.generator.Generate(genCtx, domain, params)
	genTime := time.Since(genStart)

	if err != nil {
		p.count(types.SourceInline, "failed")
		if types.IsError(err, context.DeadlineExceeded) || types.IsError(err, types.ErrGenerationTimeout) {
			return nil, types.WrapError(types.ErrGenerationTimeout, err.Error())
		}
		return nil, types.WrapError(types.ErrGenerationFailed, err.Error())
	}

	if p.validator != nil {
		result := p.validator.Validate(payload, domain, params)
		if !result.Valid {
			p.count(types.SourceInline, "failed")
			return nil, types.Errorf(types.ErrValidationFailed, "%s", validationMessage(result))
		}
		for _, warning := range result.Warnings {
			p.logger.Warn("Plan validation warning",
				zap.String("fingerprint", fingerprint), zap.String("warning", warning.Message))
		}
	}

	entry := &types.PlanEntry{
		Fingerprint: fingerprint,
		UserID:      userID,
		Domain:      domain,
		Payload:     payload,
		CreatedAt:   time.Now(),
		Metadata:    buildEntryMetadata(usage, genTime),
	}

	if err := p.cache.Put(ctx, entry); err != nil {
		p.count(types.SourceInline, "failed")
		return nil, err
	}

	p.count(types.SourceInline, "completed")
	return entry, nil
}
