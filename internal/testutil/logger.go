// Package testutil provides shared test helpers for stationlink packages.
package testutil

import (
	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/pkg/models"
)

// Logger returns a development Zap logger for use in tests.
// Panics on construction failure (should never happen in tests).
func Logger() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic("testutil.Logger: " + err.Error())
	}
	return l
}

// Endpoint is a shorthand for building test endpoints.
func Endpoint(host string, port int) models.Endpoint {
	return models.Endpoint{Host: host, Port: port, Scheme: models.SchemeTCP}
}
