package enrichment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iotmonitor/pkg/cache"
	"github.com/illmade-knight/go-iotmonitor/pkg/central"
	"github.com/illmade-knight/go-iotmonitor/pkg/validate"
)

// Catalog is the part of the Central API needed to find a device's template.
type Catalog interface {
	GetDevice(ctx context.Context, deviceID string) (central.Device, error)
	GetDeviceTemplate(ctx context.Context, templateID string) (central.DeviceTemplate, error)
}

// TemplateSourceConfig configures the template-backed schema source.
type TemplateSourceConfig struct {
	// CacheSize bounds each of the device and template caches.
	CacheSize int
	// ErrorTTL keeps lookup failures cached so an unknown device is not re-fetched per message.
	ErrorTTL time.Duration
	// Strict flags payload fields that the template does not declare.
	Strict bool
}

// DefaultTemplateSourceConfig returns the defaults used by the CLI.
func DefaultTemplateSourceConfig() TemplateSourceConfig {
	return TemplateSourceConfig{CacheSize: 1024, ErrorTTL: time.Minute}
}

// SchemaFromTemplate maps a template's telemetry onto a declared schema.
func SchemaFromTemplate(tpl central.DeviceTemplate, strict bool) *validate.Schema {
	fields := tpl.TelemetryFields()
	s := &validate.Schema{Fields: make(map[string]validate.FieldType, len(fields)), Strict: strict}
	for name, typ := range fields {
		s.Fields[name] = validate.NormalizeFieldType(typ)
	}
	return s
}

// NewTemplateSchemaSource returns a SchemaSource resolving device -> template -> schema through
// two LRU caches, so each device and each template is fetched at most once per session.
func NewTemplateSchemaSource(catalog Catalog, cfg TemplateSourceConfig, logger zerolog.Logger) (validate.SchemaSource, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}
	log := logger.With().Str("component", "TemplateSchemaSource").Logger()
	lru := cache.LRUConfig{MaxSize: cfg.CacheSize, ErrorTTL: cfg.ErrorTTL}

	devices, err := cache.NewInMemoryLRUCache[string, string](lru, cache.FetcherFunc[string, string](
		func(ctx context.Context, deviceID string) (string, error) {
			d, err := catalog.GetDevice(ctx, deviceID)
			if err != nil {
				return "", fmt.Errorf("device %s: %w", deviceID, err)
			}
			if d.Template == "" {
				return "", fmt.Errorf("device %s has no template assigned", deviceID)
			}
			log.Debug().Str("device_id", deviceID).Str("template", d.Template).Msg("Resolved device template.")
			return d.Template, nil
		}))
	if err != nil {
		return nil, err
	}

	templates, err := cache.NewInMemoryLRUCache[string, *validate.Schema](lru, cache.FetcherFunc[string, *validate.Schema](
		func(ctx context.Context, templateID string) (*validate.Schema, error) {
			tpl, err := catalog.GetDeviceTemplate(ctx, templateID)
			if err != nil {
				return nil, fmt.Errorf("template %s: %w", templateID, err)
			}
			schema := SchemaFromTemplate(tpl, cfg.Strict)
			log.Debug().Str("template", templateID).Int("fields", len(schema.Fields)).Msg("Loaded template schema.")
			return schema, nil
		}))
	if err != nil {
		return nil, err
	}

	byDevice := cache.FetcherFunc[string, *validate.Schema](func(ctx context.Context, deviceID string) (*validate.Schema, error) {
		templateID, err := devices.Fetch(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		return templates.Fetch(ctx, templateID)
	})
	return NewSchemaSource[string](byDevice, DeviceKey, logger)
}
