package sources

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mitchellh/mapstructure"
	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
)

// Connector fetches the raw items of one configured source.
type Connector interface {
	Fetch(ctx context.Context) ([]radar.RawItem, error)
}

// EmailLedger tells the email connector which messages were already delivered.
type EmailLedger interface {
	EmailRecorded(ctx context.Context, mailbox, messageID string) (bool, error)
}

// Deps are the shared resources connectors are built with.
type Deps struct {
	HTTP      *retryablehttp.Client
	UserAgent string
	Ledger    EmailLedger
	Logger    *zap.Logger
}

// Factory builds a connector for a source of its kind.
type Factory func(src *radar.Source, deps Deps) (Connector, error)

// Registry maps source kinds to connector factories.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[radar.Kind]Factory
}

// NewRegistry returns a registry with the page, email and feed connectors registered.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.HTTP == nil {
		deps.HTTP = NewHTTPClient(HTTPOptions{}, deps.Logger)
	}
	if deps.UserAgent == "" {
		deps.UserAgent = defaultUserAgent
	}

	r := &Registry{deps: deps, factories: make(map[radar.Kind]Factory)}
	r.Register(radar.KindPage, NewPage)
	r.Register(radar.KindFeed, NewFeed)
	r.Register(radar.KindEmail, NewEmail)

	return r
}

// Register replaces the factory for kind.
func (r *Registry) Register(kind radar.Kind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Connector builds the connector for src. Unknown kinds are configuration errors.
func (r *Registry) Connector(src *radar.Source) (Connector, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.factories[src.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no connector registered for kind %q: %w", src.Kind, radar.ErrConfiguration)
	}

	return factory(src, r.deps)
}

// decodeConfig decodes the free-form source config into a typed struct.
func decodeConfig(src *radar.Source, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}

	if err := decoder.Decode(src.Config); err != nil {
		return fmt.Errorf("source %q: decode %s config: %w: %w", src.Name, src.Kind, radar.ErrConfiguration, err)
	}

	return nil
}
