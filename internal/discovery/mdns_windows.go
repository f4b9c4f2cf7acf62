//go:build windows

package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/pkg/models"
)

// MDNSSource is a no-op stub on Windows where multicast DNS is not
// reliably supported.
type MDNSSource struct{}

// NewMDNSSource returns a no-op mDNS source on Windows.
func NewMDNSSource(_ *zap.Logger, _, _ time.Duration) *MDNSSource {
	return &MDNSSource{}
}

// Candidates always returns nil on Windows.
func (s *MDNSSource) Candidates(context.Context) []models.Endpoint {
	return nil
}
