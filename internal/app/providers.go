package app

import (
	"time"

	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobbysync/internal/config"
	"github.com/cory-johannsen/lobbysync/internal/discovery"
	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/netscene"
	"github.com/cory-johannsen/lobbysync/internal/observability"
	"github.com/cory-johannsen/lobbysync/internal/scene"
	"github.com/cory-johannsen/lobbysync/internal/transport/grpclink"
)

// DefaultStepDelay paces each of the ten steps of a scene missing from the catalog.
const DefaultStepDelay = 100 * time.Millisecond

// ProviderSet builds a Participant from a Config, a discovery Store, UI sinks
// and a root logger.
var ProviderSet = wire.NewSet(
	wire.FieldsOf(new(config.Config), "Session", "Discovery", "Transport", "Scenes", "Coordinator"),
	ProvideCatalog,
	ProvideLoader,
	ProvideEngine,
	ProvideDiscovery,
	ProvideLink,
	ProvideDirectory,
	ProvideManager,
	ProvideCoordinator,
	ProvideReceiver,
	ProvideParticipant,
)

// ProvideCatalog loads the scene catalog file, or builds a default catalog
// holding the configured well-known scenes when no file is set.
func ProvideCatalog(cfg config.ScenesConfig) (*scene.Catalog, error) {
	if cfg.Catalog != "" {
		return scene.LoadCatalogFromFile(cfg.Catalog)
	}
	names := []string{cfg.MainMenu, cfg.Game}
	if cfg.Bootstrap != "" {
		names = append(names, cfg.Bootstrap)
	}
	return scene.DefaultCatalog(DefaultStepDelay, names...)
}

// ProvideLoader returns a simulated loader with the bootstrap scene loaded.
func ProvideLoader(catalog *scene.Catalog, cfg config.ScenesConfig) *scene.SimulatedLoader {
	if cfg.Bootstrap == "" {
		return scene.NewSimulatedLoader(catalog)
	}
	return scene.NewSimulatedLoader(catalog, cfg.Bootstrap)
}

func ProvideEngine(loader *scene.SimulatedLoader, ui scene.UI, cfg config.SessionConfig, logger *zap.Logger) *scene.Engine {
	return scene.NewEngine(loader, ui, observability.ForComponent(logger, "scene", cfg.DisplayName))
}

func ProvideDiscovery(store discovery.Store, cfg config.SessionConfig, logger *zap.Logger) *discovery.Service {
	user := lobby.User{ID: cfg.UserID, DisplayName: cfg.DisplayName}
	return discovery.NewService(store, user, observability.ForComponent(logger, "discovery", cfg.DisplayName))
}

func ProvideLink(cfg config.TransportConfig, session config.SessionConfig, logger *zap.Logger) *grpclink.Link {
	return grpclink.New(cfg, observability.ForComponent(logger, "link", session.DisplayName))
}

func ProvideDirectory(disc *discovery.Service, cfg config.DiscoveryConfig, session config.SessionConfig, logger *zap.Logger) *lobby.Directory {
	return lobby.NewDirectory(disc, cfg.ListMaxResults, cfg.RefreshTimeout,
		observability.ForComponent(logger, "directory", session.DisplayName))
}

func ProvideManager(disc *discovery.Service, link *grpclink.Link, cfg config.DiscoveryConfig, session config.SessionConfig, logger *zap.Logger) *lobby.Manager {
	return lobby.NewManager(disc, link, cfg.CallTimeout,
		observability.ForComponent(logger, "sessions", session.DisplayName))
}

func ProvideCoordinator(link *grpclink.Link, engine *scene.Engine, events netscene.LoadEvents, cfg config.CoordinatorConfig, session config.SessionConfig, logger *zap.Logger) *netscene.Coordinator {
	return netscene.NewCoordinator(link, engine, events, cfg.LoadTimeout,
		observability.ForComponent(logger, "coordinator", session.DisplayName))
}

func ProvideReceiver(link *grpclink.Link, engine *scene.Engine, session config.SessionConfig, logger *zap.Logger) *netscene.Receiver {
	return netscene.NewReceiver(link, engine, observability.ForComponent(logger, "receiver", session.DisplayName))
}

func ProvideParticipant(
	cfg config.Config,
	engine *scene.Engine,
	disc *discovery.Service,
	link *grpclink.Link,
	dir *lobby.Directory,
	sessions *lobby.Manager,
	coord *netscene.Coordinator,
	recv *netscene.Receiver,
	logger *zap.Logger,
) *Participant {
	return NewParticipant(cfg, engine, disc, link, dir, sessions, coord, recv,
		observability.ForComponent(logger, "participant", cfg.Session.DisplayName))
}
