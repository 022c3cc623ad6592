package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the catalog is looked up when nothing else is configured.
const DefaultPath = "sources.yaml"

// Catalog is the declared set of sources plus the user profile.
type Catalog struct {
	Profile *radar.Profile
	Sources []*radar.Source
}

type file struct {
	Profile      *radar.Profile `yaml:"user_profile"`
	Sources      []entry        `yaml:"sources"`
	PageSources  []entry        `yaml:"page_sources"`
	EmailSources []entry        `yaml:"email_sources"`
	FeedSources  []entry        `yaml:"feed_sources"`
}

// entry is one source declaration. Keys besides the known ones are treated as
// connector config, so `url: ...` may sit next to `name:`.
type entry struct {
	Name     string         `yaml:"name"`
	Kind     radar.Kind     `yaml:"kind"`
	Priority priority       `yaml:"priority"`
	Tags     []string       `yaml:"tags"`
	Active   *bool          `yaml:"active"`
	Config   map[string]any `yaml:"config"`
	Extra    map[string]any `yaml:",inline"`
}

// priority accepts a number or one of low, medium and high.
type priority int

var priorityNames = map[string]int{"low": 1, "medium": 2, "high": 3}

func (p *priority) UnmarshalYAML(node *yaml.Node) error {
	value := strings.ToLower(strings.TrimSpace(node.Value))
	if n, ok := priorityNames[value]; ok {
		*p = priority(n)
		return nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("line %d: priority %q is neither a number nor low/medium/high", node.Line, node.Value)
	}
	*p = priority(n)
	return nil
}

// Load reads the catalog at path. A leading ~ is expanded.
func Load(path string) (*Catalog, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand catalog path %s: %w", path, err)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w: %w", radar.ErrConfiguration, err)
	}

	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", expanded, err)
	}
	return cat, nil
}

// Parse decodes a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file

	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w: %w", radar.ErrConfiguration, err)
	}

	cat := &Catalog{Profile: f.Profile}
	seen := make(map[string]struct{})

	groups := []struct {
		kind    radar.Kind
		entries []entry
	}{
		{"", f.Sources},
		{radar.KindPage, f.PageSources},
		{radar.KindEmail, f.EmailSources},
		{radar.KindFeed, f.FeedSources},
	}

	for _, group := range groups {
		for _, e := range group.entries {
			src, err := e.source(group.kind)
			if err != nil {
				return nil, err
			}

			key := strings.ToLower(src.Name)
			if _, dup := seen[key]; dup {
				return nil, fmt.Errorf("source %q is declared twice: %w", src.Name, radar.ErrConfiguration)
			}
			seen[key] = struct{}{}

			cat.Sources = append(cat.Sources, src)
		}
	}

	return cat, nil
}

func (e entry) source(kind radar.Kind) (*radar.Source, error) {
	if e.Kind != "" {
		kind = radar.Kind(strings.ToLower(string(e.Kind)))
	}

	cfg := make(map[string]any, len(e.Extra)+len(e.Config))
	for k, v := range e.Extra {
		cfg[configKey(k)] = v
	}
	for k, v := range e.Config {
		cfg[configKey(k)] = v
	}

	src := &radar.Source{
		Name:     strings.TrimSpace(e.Name),
		Kind:     kind,
		Priority: int(e.Priority),
		Tags:     e.Tags,
		Config:   cfg,
		Active:   e.Active == nil || *e.Active,
	}
	if len(src.Config) == 0 {
		src.Config = nil
	}

	if err := src.Validate(); err != nil {
		return nil, err
	}
	return src, nil
}

// configKey maps snake_case keys onto the kebab-case the connectors decode.
func configKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "_", "-")
}

// Store is what Sync writes to.
type Store interface {
	UpsertSource(ctx context.Context, src *radar.Source) (string, error)
	DeactivateMissing(ctx context.Context, keep []string) (int64, error)
	SaveProfile(ctx context.Context, profile *radar.Profile) error
}

// SyncResult summarizes a Sync.
type SyncResult struct {
	Upserted    int
	Deactivated int64
	Profile     bool
}

// Sync upserts every declared source, deactivates stored sources the catalog
// no longer declares, and saves the profile when one is declared.
func (c *Catalog) Sync(ctx context.Context, store Store, logger *zap.Logger) (SyncResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var res SyncResult
	names := make([]string, 0, len(c.Sources))

	for _, src := range c.Sources {
		id, err := store.UpsertSource(ctx, src)
		if err != nil {
			return res, fmt.Errorf("sync source %s: %w", src.Name, err)
		}
		src.ID = id
		names = append(names, src.Name)
		res.Upserted++

		logger.Debug("source synced",
			zap.String("id", id),
			zap.String("source", src.Name),
			zap.String("source_kind", string(src.Kind)),
			zap.Bool("active", src.Active),
		)
	}

	n, err := store.DeactivateMissing(ctx, names)
	if err != nil {
		return res, err
	}
	res.Deactivated = n

	if !c.Profile.Empty() {
		if err := store.SaveProfile(ctx, c.Profile); err != nil {
			return res, err
		}
		res.Profile = true
	}

	logger.Info("catalog synced",
		zap.Int("sources", res.Upserted),
		zap.Int64("deactivated", res.Deactivated),
		zap.Bool("profile", res.Profile),
	)

	return res, nil
}

// ProfileReader reads the stored profile.
type ProfileReader interface {
	Profile(ctx context.Context) (*radar.Profile, error)
}

// ResolveProfile prefers the stored profile and falls back to the catalog's.
// It returns radar.ErrConfiguration when neither has one.
func ResolveProfile(ctx context.Context, store ProfileReader, cat *Catalog) (*radar.Profile, error) {
	stored, err := store.Profile(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if !stored.Empty() {
		return stored, nil
	}

	if cat != nil && !cat.Profile.Empty() {
		return cat.Profile, nil
	}

	return nil, fmt.Errorf("no user profile: add user_profile to the catalog and run `sources sync`: %w", radar.ErrConfiguration)
}
