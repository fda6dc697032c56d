//go:build wireinject

package app

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobbysync/internal/config"
	"github.com/cory-johannsen/lobbysync/internal/discovery"
	"github.com/cory-johannsen/lobbysync/internal/netscene"
	"github.com/cory-johannsen/lobbysync/internal/scene"
)

// Build assembles a Participant over store.
func Build(cfg config.Config, store discovery.Store, ui scene.UI, events netscene.LoadEvents, logger *zap.Logger) (*Participant, error) {
	wire.Build(ProviderSet)
	return nil, nil
}
