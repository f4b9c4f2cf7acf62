package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/pkg/models"
)

// DefaultMDNSInterval is how long mDNS browse results are reused.
const DefaultMDNSInterval = 30 * time.Second

// Source supplies candidate endpoints for a discovery round.
type Source interface {
	Candidates(ctx context.Context) []models.Endpoint
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) []models.Endpoint

// Candidates implements Source.
func (f SourceFunc) Candidates(ctx context.Context) []models.Endpoint {
	return f(ctx)
}

// StaticSource yields operator overrides followed by the built-in defaults.
type StaticSource struct {
	Overrides []models.Endpoint
	Defaults  []models.Endpoint
}

// Candidates implements Source.
func (s StaticSource) Candidates(context.Context) []models.Endpoint {
	out := make([]models.Endpoint, 0, len(s.Overrides)+len(s.Defaults))
	out = append(out, s.Overrides...)
	out = append(out, s.Defaults...)
	return Dedupe(out)
}

// MultiSource concatenates sources in order and removes duplicates.
type MultiSource []Source

// Candidates implements Source.
func (m MultiSource) Candidates(ctx context.Context) []models.Endpoint {
	var out []models.Endpoint
	for _, src := range m {
		if ctx.Err() != nil {
			break
		}
		out = append(out, src.Candidates(ctx)...)
	}
	return Dedupe(out)
}

// ParseEndpoints parses operator-supplied endpoint strings, logging and
// skipping invalid entries.
func ParseEndpoints(raw []string, logger *zap.Logger) []models.Endpoint {
	out := make([]models.Endpoint, 0, len(raw))
	for _, r := range raw {
		ep, err := models.ParseEndpoint(r)
		if err != nil {
			logger.Warn("ignoring invalid endpoint", zap.String("endpoint", r), zap.Error(err))
			continue
		}
		out = append(out, ep)
	}
	return out
}
