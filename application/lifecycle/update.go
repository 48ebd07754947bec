package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/reglet-dev/reglet-runtime/application/resolver"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/semver"
)

// Update replaces a plugin with another version from the same source. An
// empty version picks whatever the source currently serves. If the new
// version fails to come back up, the previous one is restored and the
// returned UpdateError says so.
func (m *Manager) Update(ctx context.Context, id string, opts entities.UpdateOptions) (*entities.Plugin, error) {
	old, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	release, err := m.claim(id, OpUpdate)
	if err != nil {
		return nil, err
	}
	defer release()

	m.loader.Evict(old.Source, opts.Version)
	b, err := m.loader.Fetch(ctx, old.Source, opts.Version)
	if err != nil {
		return nil, &rterrors.UpdateError{Err: err, PluginID: id, FromVersion: old.Version(), ToVersion: opts.Version}
	}
	return m.applyUpdate(ctx, old, b, entities.InstallOptions{Source: old.Source.Kind, Ref: old.Source.Ref, Version: opts.Version})
}

func (m *Manager) applyUpdate(ctx context.Context, old *entities.Plugin, b *entities.Bundle, opts entities.InstallOptions) (*entities.Plugin, error) {
	id := old.ID()
	toVersion := opts.Version
	if b.Manifest != nil {
		toVersion = b.Manifest.Version
	}
	fail := func(err error) (*entities.Plugin, error) {
		m.recordError(id, OpUpdate, err)
		return nil, &rterrors.UpdateError{Err: err, PluginID: id, FromVersion: old.Version(), ToVersion: toVersion}
	}
	if b.Manifest == nil || b.Manifest.Name != id {
		return fail(rterrors.NewManifestError(id, entities.ValidationError{
			Field: "name", Message: "bundle does not carry plugin " + id,
		}))
	}

	log := m.cfg.logger.With("plugin", id, "from", old.Version(), "to", toVersion)
	log.InfoContext(ctx, "updating plugin")

	if err := m.prepare(ctx, b, opts.Validate); err != nil {
		return fail(err)
	}
	if err := m.checkDependents(id, toVersion); err != nil {
		return fail(err)
	}
	granted, err := m.requestPermissions(ctx, b.Manifest, opts.Permissions)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		m.revoke(id, granted)
		return fail(err)
	}

	// Committed: from here failures roll back instead of cancelling.
	ctx = context.WithoutCancel(ctx)
	backup := m.bundle(id)
	prior := old.Status
	if prior == entities.StatusError || prior.IsActive() {
		if err := m.Unload(ctx, id); err != nil {
			m.revoke(id, granted)
			return fail(err)
		}
	}

	next, err := m.registry.Get(id)
	if err != nil {
		m.revoke(id, granted)
		return fail(err)
	}
	fresh := entities.NewPlugin(b.Manifest, b.Source, next.Config)
	next.Manifest = fresh.Manifest
	next.Source = fresh.Source
	next.Metadata = fresh.Metadata
	next.Status = entities.StatusRegistered
	next.Metrics.InstallCount++
	if err := m.registry.Replace(next); err != nil {
		m.revoke(id, granted)
		return fail(err)
	}
	m.setBundle(id, b)

	if err := m.reactivate(ctx, id, prior); err != nil {
		log.WarnContext(ctx, "new version failed, rolling back", "error", err)
		rbErr := m.rollback(ctx, old, backup, prior)
		m.revoke(id, granted)
		m.recordError(id, OpUpdate, err)
		return nil, &rterrors.UpdateError{
			Err:         err,
			RollbackErr: rbErr,
			PluginID:    id,
			FromVersion: old.Version(),
			ToVersion:   toVersion,
			RolledBack:  rbErr == nil,
		}
	}

	if err := m.save(ctx, id, b); err != nil {
		log.WarnContext(ctx, "saving updated plugin to catalog", "error", err)
	}
	if old.Source.Kind != entities.SourceFile {
		m.loader.Evict(old.Source, old.Version())
	}
	log.InfoContext(ctx, "plugin updated")
	return m.registry.Get(id)
}

// checkDependents refuses a version that a registered dependent's range
// does not accept.
func (m *Manager) checkDependents(id, version string) error {
	var conflicts []entities.Conflict
	for _, man := range m.registry.Manifests() {
		if man.Name == id {
			continue
		}
		for _, dep := range man.PluginDependencies() {
			if dep.ID != id || dep.VersionRange == "" || semver.Satisfies(version, dep.VersionRange) {
				continue
			}
			conflicts = append(conflicts, entities.Conflict{
				Dependent:    man.Name,
				DependencyID: id,
				Reason:       entities.ConflictVersion,
				Required:     dep.VersionRange,
				Found:        version,
			})
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	return &rterrors.DependencyError{PluginID: id, Conflicts: conflicts}
}

// reactivate brings a freshly registered plugin back to the prior state.
func (m *Manager) reactivate(ctx context.Context, id string, prior entities.Status) error {
	if !prior.IsActive() && prior != entities.StatusError {
		return nil
	}
	if err := m.Load(ctx, id); err != nil {
		return err
	}
	if prior != entities.StatusRunning && prior != entities.StatusPaused {
		return nil
	}
	if _, err := m.Start(ctx, id); err != nil {
		return err
	}
	if prior == entities.StatusPaused {
		return m.Pause(id)
	}
	return nil
}

// rollback restores the record and bundle of old and reactivates it.
func (m *Manager) rollback(ctx context.Context, old *entities.Plugin, backup *entities.Bundle, prior entities.Status) error {
	id := old.ID()
	m.teardown(ctx, id)

	cur, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	restored := old.Clone()
	restored.Errors = cur.Errors
	restored.Metrics = cur.Metrics
	restored.Status = entities.StatusRegistered
	if err := m.registry.Replace(restored); err != nil {
		return err
	}
	if cur.Status != entities.StatusRegistered {
		m.publishState(id, cur.Status, entities.StatusRegistered)
	}
	m.setBundle(id, backup)
	if prior == entities.StatusError {
		prior = entities.StatusRegistered
	}
	return m.reactivate(ctx, id, prior)
}

// Uninstall removes a plugin nothing requires. It is unloaded first and
// its grants, security state, catalog record and cached bundle are dropped.
func (m *Manager) Uninstall(ctx context.Context, id string) error {
	p, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if a := m.resolver.AnalyzeRemoval(id); !a.Safe {
		return &rterrors.DependencyError{PluginID: id, Dependents: a.Blocking}
	}
	release, err := m.claim(id, OpUninstall)
	if err != nil {
		return err
	}
	defer release()

	if p.Status == entities.StatusError || p.Status.IsActive() {
		if err := m.Unload(ctx, id); err != nil {
			return err
		}
	}
	if from, err := m.transition(id, entities.StatusUninstalling); err != nil {
		return lifecycleError(id, OpUninstall, from, err)
	}
	if err := m.registry.Unregister(id); err != nil {
		return err
	}
	revoked := m.permissions.RevokeAll(id)
	m.security.Forget(id)
	m.setBundle(id, nil)
	m.loader.Evict(p.Source, p.Version())
	m.cfg.logger.InfoContext(ctx, "plugin uninstalled", "plugin", id, "revoked", len(revoked))

	if m.cfg.catalog != nil {
		if err := m.cfg.catalog.Delete(context.WithoutCancel(ctx), id); err != nil {
			return fmt.Errorf("uninstall %s: catalog: %w", id, err)
		}
	}
	return nil
}

// Restore registers every catalog record not yet registered, dependencies
// first, then loads them in parallel when auto-load is on. Records that
// fail are skipped and reported together.
func (m *Manager) Restore(ctx context.Context) error {
	if m.cfg.catalog == nil {
		return nil
	}
	records, err := m.cfg.catalog.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	byID := make(map[string]entities.CatalogRecord, len(records))
	manifests := make([]*entities.Manifest, 0, len(records))
	for _, rec := range records {
		if rec.Manifest == nil {
			continue
		}
		byID[rec.ID] = rec
		manifests = append(manifests, rec.Manifest)
	}

	var (
		errs     []error
		restored []string
	)
	for _, man := range resolver.InstallOrder(manifests) {
		rec := byID[man.Name]
		if m.registry.Has(rec.ID) {
			continue
		}
		if err := m.restoreRecord(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", rec.ID, err))
			continue
		}
		restored = append(restored, rec.ID)
	}
	m.cfg.logger.InfoContext(ctx, "catalog restored", "plugins", len(restored), "failed", len(errs))

	if !m.cfg.autoLoad {
		return errors.Join(errs...)
	}
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(m.cfg.restoreConcurrency)
	for _, id := range restored {
		g.Go(func() error {
			if err := m.Load(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("restore %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (m *Manager) restoreRecord(ctx context.Context, rec entities.CatalogRecord) error {
	b, err := m.loader.Fetch(ctx, rec.Source, rec.Version)
	if err != nil {
		return err
	}
	if b.Manifest == nil || b.Manifest.Name != rec.ID {
		return rterrors.NewManifestError(rec.ID, entities.ValidationError{Field: "name", Message: "bundle does not match catalog record"})
	}
	if rec.Checksum != "" && b.Checksum != rec.Checksum {
		m.cfg.logger.WarnContext(ctx, "plugin bundle changed since install",
			"plugin", rec.ID, "recorded", rec.Checksum, "found", b.Checksum)
	}
	if err := m.resolver.ResolveManifest(b.Manifest).Err(rec.ID); err != nil {
		return err
	}

	cfg := rec.Config
	cfg.Limits = cfg.Limits.WithDefaults(m.cfg.defaultConfig.Limits)
	p := entities.NewPlugin(b.Manifest, rec.Source, cfg)
	p.Status = entities.StatusInstalling
	p.RegisteredAt = rec.InstalledAt
	p.Metrics.InstallCount = 1
	if err := m.registry.Register(p, nil); err != nil {
		return err
	}
	m.setBundle(rec.ID, b)
	if _, err := m.transition(rec.ID, entities.StatusInstalled); err != nil {
		return err
	}
	_, err = m.transition(rec.ID, entities.StatusRegistered)
	return err
}
