package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/reglet-dev/reglet-runtime/application/validation"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/semver"
)

// Install fetches, checks and registers a plugin. Every check runs before
// the plugin is registered, so a failed install leaves no trace. With
// Overwrite set, installing an already registered id updates it.
//
// The returned plugin is non-nil whenever the plugin was registered, even
// if the auto-load or auto-start that followed failed.
func (m *Manager) Install(ctx context.Context, opts entities.InstallOptions) (*entities.Plugin, error) {
	if err := validation.StructError("install options", opts); err != nil {
		return nil, err
	}
	src := entities.Source{Kind: opts.Source, Ref: opts.Ref}
	b, err := m.loader.Fetch(ctx, src, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("install %s %s: %w", opts.Source, opts.Ref, err)
	}
	if b.Manifest == nil {
		return nil, rterrors.NewManifestError(opts.Ref, entities.ValidationError{Message: "bundle has no manifest"})
	}
	id := b.Manifest.Name

	if m.registry.Has(id) {
		if !opts.Overwrite {
			return nil, fmt.Errorf("plugin %q: %w", id, rterrors.ErrAlreadyRegistered)
		}
		old, err := m.registry.Get(id)
		if err != nil {
			return nil, err
		}
		release, err := m.claim(id, OpUpdate)
		if err != nil {
			return nil, err
		}
		defer release()
		return m.applyUpdate(ctx, old, b, opts)
	}

	release, err := m.claim(id, OpInstall)
	if err != nil {
		return nil, err
	}
	defer release()

	log := m.cfg.logger.With("plugin", id, "version", b.Manifest.Version, "source", src.Kind)
	log.InfoContext(ctx, "installing plugin")

	if err := m.prepare(ctx, b, opts.Validate); err != nil {
		log.WarnContext(ctx, "plugin rejected", "error", err)
		return nil, err
	}
	granted, err := m.requestPermissions(ctx, b.Manifest, opts.Permissions)
	if err != nil {
		log.WarnContext(ctx, "plugin permissions refused", "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		m.revoke(id, granted)
		return nil, err
	}

	// Past this point the install is committed and no longer cancellable.
	ctx = context.WithoutCancel(ctx)
	if err := m.commit(ctx, b); err != nil {
		m.revoke(id, granted)
		return nil, err
	}
	log.InfoContext(ctx, "plugin installed")

	if m.cfg.autoLoad || opts.AutoStart {
		if err := m.Load(ctx, id); err != nil {
			p, _ := m.registry.Get(id)
			return p, err
		}
	}
	if opts.AutoStart {
		if _, err := m.Start(ctx, id); err != nil {
			p, _ := m.registry.Get(id)
			return p, err
		}
	}
	return m.registry.Get(id)
}

// prepare runs every pre-commit check on a fetched bundle.
func (m *Manager) prepare(ctx context.Context, b *entities.Bundle, validate bool) error {
	man := b.Manifest
	id := man.Name

	if validate && m.cfg.validator != nil && len(b.RawManifest) > 0 {
		res, err := m.cfg.validator.ValidateRaw(b.RawManifest)
		if err != nil {
			return &rterrors.ValidationError{Err: fmt.Errorf("%w: %w", rterrors.ErrInvalidManifest, err), Subject: id}
		}
		if !res.Valid {
			return rterrors.NewManifestError(id, res.Errors...)
		}
	}
	if err := validation.ManifestError(man); err != nil {
		return err
	}
	if (validate || m.cfg.requireSignature) && m.cfg.verifier != nil {
		if err := m.cfg.verifier.Verify(b); err != nil {
			return &rterrors.ValidationError{Err: fmt.Errorf("%w: %w", rterrors.ErrInvalidManifest, err), Subject: id}
		}
	}
	if err := m.checkCompatibility(man); err != nil {
		return err
	}
	if err := m.resolver.ResolveManifest(man).Err(id); err != nil {
		return err
	}
	return m.security.ValidateManifest(ctx, man)
}

func (m *Manager) checkCompatibility(man *entities.Manifest) error {
	if !semver.ValidRange(man.HostCompatibilityRange) {
		return rterrors.NewManifestError(man.Name, entities.ValidationError{
			Field:   "hostCompatibilityRange",
			Message: fmt.Sprintf("invalid version range %q", man.HostCompatibilityRange),
		})
	}
	if !semver.Satisfies(m.cfg.hostVersion, man.HostCompatibilityRange) {
		return rterrors.NewManifestError(man.Name, entities.ValidationError{
			Field:   "hostCompatibilityRange",
			Message: fmt.Sprintf("host version %s does not satisfy %s", m.cfg.hostVersion, man.HostCompatibilityRange),
		})
	}
	if len(man.Platforms) > 0 && !slices.Contains(man.Platforms, m.cfg.platform) {
		return rterrors.NewManifestError(man.Name, entities.ValidationError{
			Field:   "platforms",
			Message: fmt.Sprintf("platform %s is not supported", m.cfg.platform),
		})
	}
	if !m.loader.Supports(man) {
		return rterrors.NewManifestError(man.Name, entities.ValidationError{
			Field:   "main",
			Message: fmt.Sprintf("no engine runs %q", man.Main),
		})
	}
	return nil
}

// requestPermissions asks for every declared permission plus extra, and
// returns the ones newly granted by this call. On failure those grants are
// revoked again.
func (m *Manager) requestPermissions(ctx context.Context, man *entities.Manifest, extra []string) ([]string, error) {
	id := man.Name
	reqs := slices.Clone(man.Permissions)
	for _, pid := range extra {
		if !slices.ContainsFunc(reqs, func(r entities.PermissionRequest) bool { return r.ID == pid }) {
			reqs = append(reqs, entities.PermissionRequest{ID: pid, Reason: "requested at install"})
		}
	}

	var granted []string
	for _, r := range reqs {
		held := m.permissions.HasPermission(id, r.ID)
		ok, err := m.permissions.Request(ctx, id, r.ID, r.Reason)
		if err != nil {
			if r.Optional && errors.Is(err, rterrors.ErrUnknownPermission) {
				m.cfg.logger.WarnContext(ctx, "skipping unknown optional permission", "plugin", id, "permission", r.ID)
				continue
			}
			m.revoke(id, granted)
			return nil, err
		}
		if !ok {
			if r.Optional {
				continue
			}
			m.revoke(id, granted)
			return nil, &rterrors.PermissionError{
				Err:          rterrors.ErrPermissionDenied,
				PluginID:     id,
				PermissionID: r.ID,
				Reason:       "consent refused",
			}
		}
		if !held {
			granted = append(granted, r.ID)
		}
	}
	return granted, nil
}

func (m *Manager) revoke(id string, permissions []string) {
	for _, pid := range permissions {
		m.permissions.Revoke(id, pid)
	}
}

// commit registers the plugin, keeps its bundle and records it in the
// catalog, leaving it registered.
func (m *Manager) commit(ctx context.Context, b *entities.Bundle) error {
	id := b.Manifest.Name
	p := entities.NewPlugin(b.Manifest, b.Source, m.cfg.defaultConfig)
	p.Status = entities.StatusInstalling
	p.Metrics.InstallCount = 1
	if err := m.registry.Register(p, nil); err != nil {
		return err
	}
	m.setBundle(id, b)

	if err := m.save(ctx, id, b); err != nil {
		m.setBundle(id, nil)
		if uerr := m.registry.Unregister(id); uerr != nil {
			m.cfg.logger.Warn("unregistering after failed commit", "plugin", id, "error", uerr)
		}
		return fmt.Errorf("install %s: catalog: %w", id, err)
	}
	if _, err := m.transition(id, entities.StatusInstalled); err != nil {
		return err
	}
	_, err := m.transition(id, entities.StatusRegistered)
	return err
}

// save records the plugin in the catalog, if one is configured.
func (m *Manager) save(ctx context.Context, id string, b *entities.Bundle) error {
	if m.cfg.catalog == nil {
		return nil
	}
	p, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	return m.cfg.catalog.Save(ctx, entities.CatalogRecord{
		ID:          id,
		Version:     p.Version(),
		Manifest:    p.Manifest,
		Config:      p.Config,
		Source:      p.Source,
		Checksum:    b.Checksum,
		InstalledAt: p.RegisteredAt,
	})
}
