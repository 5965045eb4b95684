// Package plugin defines the module SDK for Presage: the lifecycle
// interface every internal module implements, plus the shared service
// contracts (config, event bus, store) injected into modules at Init.
package plugin

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Module defines the interface all Presage modules implement.
type Module interface {
	// Info returns the module's metadata and dependency declarations.
	Info() ModuleInfo

	// Init initializes the module with its dependencies.
	Init(ctx context.Context, deps Dependencies) error

	// Start begins the module's background operations.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the module.
	Stop(ctx context.Context) error
}

// ModuleInfo contains module metadata and dependency declarations.
type ModuleInfo struct {
	Name         string   // Unique identifier: "tracker", "whatsapp", "signal"
	Version      string   // Semantic version string
	Description  string   // Human-readable summary
	Dependencies []string // Module names that must initialize first
	Required     bool     // If true, the server refuses to start without it
}

// Dependencies provides controlled access to shared services.
// Injected by the lifecycle manager during Init.
type Dependencies struct {
	Config Config      // Scoped to this module's config section
	Logger *zap.Logger // Named logger for this module
	Bus    EventBus    // Event publish/subscribe between modules
	Store  Store       // Shared SQLite store
}

// Route represents an HTTP route exposed by a module.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// HTTPProvider is implemented by modules that expose HTTP routes.
// Routes are mounted under /api/v1/{module}/.
type HTTPProvider interface {
	Routes() []Route
}

// HealthChecker is implemented by modules that report readiness.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Config abstracts configuration access. Wraps Viper today.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetFloat64(key string) float64
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}

// Publisher sends events to the bus. Use this thin interface in code
// that only needs to emit events (follows io.Writer pattern).
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber receives events from the bus. Use this thin interface in
// code that only needs to listen for events (follows io.Reader pattern).
type Subscriber interface {
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
}

// EventBus provides typed publish/subscribe between modules.
// Composes Publisher and Subscriber with async and wildcard extensions.
type EventBus interface {
	Publisher
	Subscriber
	PublishAsync(ctx context.Context, event Event)
	SubscribeAll(handler EventHandler) (unsubscribe func())
}

// Event represents a typed message on the event bus.
type Event struct {
	Topic     string
	Source    string // Module name that emitted the event
	Timestamp time.Time
	Payload   any // Type depends on topic
}

// EventHandler processes events from the bus.
type EventHandler func(ctx context.Context, event Event)

// Store provides shared SQLite access with per-module migrations.
type Store interface {
	DB() *sql.DB
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
	Migrate(ctx context.Context, moduleName string, migrations []Migration) error
	Close() error
}

// Migration is a single schema change owned by one module. Migrations are
// applied in ascending Version order and tracked in a shared table.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}
