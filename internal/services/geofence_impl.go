package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"sitesafe/internal/alerts"
	"sitesafe/internal/detection"
	"sitesafe/internal/geofence"
	"sitesafe/internal/pipeline"
)

const geofenceEnabledKey = "geofence_enabled"

// ZoneStore persists zones across restarts.
type ZoneStore interface {
	SaveZone(z geofence.Zone) error
	ListZones() ([]geofence.Zone, error)
	DeleteZone(name string) error
	ClearZones() error
}

// SettingsStore persists small key/value settings.
type SettingsStore interface {
	SaveConfig(key, value string) error
	GetConfig(key string) (string, error)
}

// GeofenceStatus is returned by the toggle and status calls.
type GeofenceStatus struct {
	Enabled    bool `json:"enabled"`
	ZonesCount int  `json:"zones_count"`
}

// ZoneRulesPayload replaces a zone's restricted classes. An empty list
// restores the default policy.
type ZoneRulesPayload struct {
	RestrictedClasses []string `json:"restricted_classes"`
}

// GeofenceImplementation manages zones and the geofence toggle
type GeofenceImplementation struct {
	state    *pipeline.StreamState
	store    ZoneStore
	settings SettingsStore
	alerts   *alerts.Manager
}

// NewGeofenceService creates the geofence service. store, settings and mgr
// may be nil.
func NewGeofenceService(state *pipeline.StreamState, store ZoneStore, settings SettingsStore, mgr *alerts.Manager) *GeofenceImplementation {
	return &GeofenceImplementation{
		state:    state,
		store:    store,
		settings: settings,
		alerts:   mgr,
	}
}

// Restore loads persisted zones into the stream state. When the store is
// empty it is seeded from zonesFile. Zones that fail validation are logged
// and skipped.
func (g *GeofenceImplementation) Restore(zonesFile string, defaultEnabled bool) error {
	var zones []geofence.Zone
	seeded := false
	if g.store != nil {
		stored, err := g.store.ListZones()
		if err != nil {
			return fmt.Errorf("failed to load zones: %w", err)
		}
		zones = stored
	}
	if len(zones) == 0 && zonesFile != "" {
		fromFile, err := geofence.LoadZonesFile(zonesFile)
		if err != nil {
			return err
		}
		zones = fromFile
		seeded = len(fromFile) > 0
	}

	loaded := 0
	for _, z := range zones {
		if err := g.state.AddZone(z); err != nil {
			log.Printf("[Geofence] Skipping zone %q: %v", z.Name, err)
			continue
		}
		if seeded && g.store != nil {
			if err := g.store.SaveZone(z.WithDefaults()); err != nil {
				log.Printf("[Geofence] Failed to persist seeded zone %q: %v", z.Name, err)
			}
		}
		loaded++
	}

	enabled := defaultEnabled
	if g.settings != nil {
		if v, err := g.settings.GetConfig(geofenceEnabledKey); err == nil && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				enabled = b
			}
		}
	}
	g.state.SetGeofenceEnabled(enabled)

	log.Printf("[Geofence] Restored %d zones (enabled=%v)", loaded, enabled)
	return nil
}

// Enable turns zone rules on.
func (g *GeofenceImplementation) Enable(ctx context.Context) (*GeofenceStatus, error) {
	return g.setEnabled(true)
}

// Disable turns zone rules off.
func (g *GeofenceImplementation) Disable(ctx context.Context) (*GeofenceStatus, error) {
	return g.setEnabled(false)
}

// SetEnabled toggles zone rules.
func (g *GeofenceImplementation) SetEnabled(enabled bool) error {
	_, err := g.setEnabled(enabled)
	return err
}

func (g *GeofenceImplementation) setEnabled(enabled bool) (*GeofenceStatus, error) {
	g.state.SetGeofenceEnabled(enabled)
	if g.settings != nil {
		if err := g.settings.SaveConfig(geofenceEnabledKey, strconv.FormatBool(enabled)); err != nil {
			log.Printf("[Geofence] Failed to persist toggle: %v", err)
		}
	}
	log.Printf("[Geofence] Zone rules enabled=%v", enabled)
	return g.status(), nil
}

// Status returns the toggle and zone count.
func (g *GeofenceImplementation) Status(ctx context.Context) (*GeofenceStatus, error) {
	return g.status(), nil
}

func (g *GeofenceImplementation) status() *GeofenceStatus {
	return &GeofenceStatus{
		Enabled:    g.state.GeofenceEnabled(),
		ZonesCount: g.state.ZoneCount(),
	}
}

// ListZones returns every configured zone.
func (g *GeofenceImplementation) ListZones(ctx context.Context) ([]geofence.Zone, error) {
	zones, _ := g.state.Zones()
	if zones == nil {
		zones = []geofence.Zone{}
	}
	return zones, nil
}

// CreateZone validates, stores and activates a zone.
func (g *GeofenceImplementation) CreateZone(ctx context.Context, z geofence.Zone) (*geofence.Zone, error) {
	z = z.WithDefaults()
	if err := g.state.AddZone(z); err != nil {
		if errors.Is(err, geofence.ErrZoneExists) {
			return nil, newError(ErrConflict, "zone %q already exists", z.Name)
		}
		return nil, newError(ErrBadRequest, "%v", err)
	}
	if g.store != nil {
		if err := g.store.SaveZone(z); err != nil {
			g.state.RemoveZone(z.Name)
			return nil, fmt.Errorf("failed to save zone: %w", err)
		}
	}
	log.Printf("[Geofence] Added zone %q with %d points", z.Name, len(z.Points))
	return &z, nil
}

// DeleteZone removes a zone and forgets its cooldown. The store is written
// first so a failed write leaves the live zones untouched.
func (g *GeofenceImplementation) DeleteZone(ctx context.Context, name string) error {
	zones, _ := g.state.Zones()
	if !lo.ContainsBy(zones, func(z geofence.Zone) bool { return z.Name == name }) {
		return newError(ErrNotFound, "zone %q not found", name)
	}
	if g.store != nil {
		if err := g.store.DeleteZone(name); err != nil {
			return fmt.Errorf("failed to delete zone: %w", err)
		}
	}
	if !g.state.RemoveZone(name) {
		return newError(ErrNotFound, "zone %q not found", name)
	}
	if g.alerts != nil {
		g.alerts.ForgetZone(name)
	}
	log.Printf("[Geofence] Deleted zone %q", name)
	return nil
}

// ClearZones removes every zone.
func (g *GeofenceImplementation) ClearZones(ctx context.Context) error {
	if g.store != nil {
		if err := g.store.ClearZones(); err != nil {
			return fmt.Errorf("failed to clear zones: %w", err)
		}
	}
	zones, _ := g.state.Zones()
	g.state.ClearZones()
	if g.alerts != nil {
		for _, z := range zones {
			g.alerts.ForgetZone(z.Name)
		}
	}
	log.Printf("[Geofence] Cleared %d zones", len(zones))
	return nil
}

// SetZoneRules overrides which classes may not enter a zone.
func (g *GeofenceImplementation) SetZoneRules(ctx context.Context, name string, p *ZoneRulesPayload) (*geofence.Zone, error) {
	classes := make([]string, 0, len(p.RestrictedClasses))
	for _, c := range p.RestrictedClasses {
		canonical, ok := lo.Find(detection.ClassNames, func(known string) bool {
			return strings.EqualFold(known, strings.TrimSpace(c))
		})
		if !ok {
			return nil, newError(ErrBadRequest, "unknown class %q", c)
		}
		classes = append(classes, canonical)
	}
	if len(classes) == 0 {
		classes = nil
	}

	zones, _ := g.state.Zones()
	prev, found := lo.Find(zones, func(z geofence.Zone) bool { return z.Name == name })
	if !found {
		return nil, newError(ErrNotFound, "zone %q not found", name)
	}
	z, err := g.state.SetZoneRules(name, lo.Uniq(classes))
	if err != nil {
		if errors.Is(err, geofence.ErrZoneNotFound) {
			return nil, newError(ErrNotFound, "zone %q not found", name)
		}
		return nil, err
	}
	if g.store != nil {
		if err := g.store.SaveZone(z); err != nil {
			g.state.SetZoneRules(name, prev.RestrictedClasses)
			return nil, fmt.Errorf("failed to save zone: %w", err)
		}
	}
	log.Printf("[Geofence] Zone %q restricted classes: %v", name, z.RestrictedClasses)
	return &z, nil
}
