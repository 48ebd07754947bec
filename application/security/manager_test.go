package security

import (
	"context"
	"sync"
	"testing"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/policy"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePermissions struct {
	mu      sync.Mutex
	granted map[string]bool
	used    []string
}

func (f *fakePermissions) RecordUse(pluginID, permissionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = append(f.used, pluginID+"/"+permissionID)
	return f.granted[pluginID+"/"+permissionID]
}

func (f *fakePermissions) Definition(id string) (entities.Permission, bool) {
	for _, p := range entities.DefaultPermissions() {
		if p.ID == id {
			return p, true
		}
	}
	return entities.Permission{}, false
}

type recordingDenials struct {
	subjects []string
}

func (r *recordingDenials) OnDenial(pluginID, kind, subject, reason string) {
	r.subjects = append(r.subjects, subject)
}

func basePolicy() entities.SecurityPolicy {
	return entities.SecurityPolicy{
		Name: "base",
		Rules: []entities.Rule{
			{ID: "no-clear", Kind: entities.RuleKindAPI, Pattern: `^storage\.clear$`, Action: entities.ActionDeny},
			{ID: "ask-ui", Kind: entities.RuleKindAPI, Pattern: `^ui\.prompt$`, Action: entities.ActionPrompt},
			{ID: "no-evil", Kind: entities.RuleKindResource, ResourceType: "url", Pattern: "glob:https://*.evil.com/**", Action: entities.ActionDeny},
			{ID: "evil-install", Kind: entities.RuleKindAPI, Pattern: `^install:malware$`, Action: entities.ActionDeny, Severity: entities.SeverityCritical},
		},
	}
}

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithDenialHandler(&policy.NopDenialHandler{})}, opts...)
	m := New(opts...)
	require.NoError(t, m.AddPolicy(basePolicy()))
	return m
}

func TestCheckAPIAccess(t *testing.T) {
	ctx := context.Background()
	perms := &fakePermissions{granted: map[string]bool{"notes/storage": true}}

	tests := []struct {
		name     string
		consent  ports.ConsentProvider
		api      string
		wantErr  error
		severity entities.Severity
	}{
		{name: "granted api", api: "storage.get"},
		{name: "deny rule", api: "storage.clear", wantErr: rterrors.ErrSecurityViolation, severity: entities.SeverityHigh},
		{name: "missing grant", api: "network.fetch", wantErr: rterrors.ErrPermissionDenied},
		{name: "prompt without provider", api: "ui.prompt", wantErr: rterrors.ErrSecurityViolation, severity: entities.SeverityHigh},
		{
			name: "prompt refused",
			api:  "ui.prompt",
			consent: ports.ConsentFunc(func(context.Context, entities.ConsentRequest) (bool, error) {
				return false, nil
			}),
			wantErr:  rterrors.ErrSecurityViolation,
			severity: entities.SeverityHigh,
		},
		{name: "unmapped api", api: "log.write"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, WithPermissionChecker(perms), WithConsentProvider(tt.consent))
			err := m.CheckAPIAccess(ctx, "notes", tt.api)
			if tt.wantErr == nil {
				require.NoError(t, err)
				last := m.AuditLog("notes", 1)
				require.Len(t, last, 1)
				assert.Equal(t, entities.AuditAllowed, last[0].Result)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			if tt.severity != "" {
				var sv *rterrors.SecurityViolationError
				require.ErrorAs(t, err, &sv)
				assert.Equal(t, tt.severity, sv.Violation.Severity)
				assert.Len(t, m.Violations("notes", 0), 1)
			}
		})
	}
}

func TestCheckAPIAccess_PromptApproved(t *testing.T) {
	perms := &fakePermissions{granted: map[string]bool{"notes/ui": true}}
	m := newManager(t,
		WithPermissionChecker(perms),
		WithConsentProvider(ports.ConsentFunc(func(_ context.Context, req entities.ConsentRequest) (bool, error) {
			assert.Equal(t, "ui.prompt", req.Subject)
			return true, nil
		})),
	)
	require.NoError(t, m.CheckAPIAccess(context.Background(), "notes", "ui.prompt"))
	assert.Empty(t, m.Violations("", 0))
}

func TestCheckAPIAccess_Exception(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	require.Error(t, m.CheckAPIAccess(ctx, "cleaner", "storage.clear"))
	require.NoError(t, m.AddException("base", "cleaner"))
	require.NoError(t, m.CheckAPIAccess(ctx, "cleaner", "storage.clear"))

	assert.ErrorIs(t, m.AddException("missing", "cleaner"), rterrors.ErrNotFound)
}

func TestCheckResourceAccess(t *testing.T) {
	denials := &recordingDenials{}
	m := newManager(t, WithDenialHandler(denials))
	ctx := context.Background()

	err := m.CheckResourceAccess(ctx, "notes", "url", "https://cdn.evil.com/payload")
	var sv *rterrors.SecurityViolationError
	require.ErrorAs(t, err, &sv)
	assert.Equal(t, entities.SeverityMedium, sv.Violation.Severity)
	assert.Equal(t, entities.ViolationResource, sv.Violation.Type)
	assert.Equal(t, "no-evil", sv.Violation.RuleID)
	assert.Equal(t, []string{"url:https://cdn.evil.com/payload"}, denials.subjects)

	require.NoError(t, m.CheckResourceAccess(ctx, "notes", "url", "https://example.com"))
}

func TestPolicyOrderAndRemoval(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.AddPolicy(entities.SecurityPolicy{
		Name: "later",
		Rules: []entities.Rule{
			{ID: "allow-all", Kind: entities.RuleKindAPI, Pattern: ".*", Action: entities.ActionAllow},
		},
	}))
	ctx := context.Background()

	// The first policy still wins for storage.clear.
	require.Error(t, m.CheckAPIAccess(ctx, "notes", "storage.clear"))

	assert.True(t, m.RemovePolicy("base"))
	assert.False(t, m.RemovePolicy("base"))
	require.NoError(t, m.CheckAPIAccess(ctx, "notes", "storage.clear"))
	assert.Len(t, m.Policies(), 1)

	assert.Error(t, m.AddPolicy(entities.SecurityPolicy{Name: "bad", Rules: []entities.Rule{
		{ID: "r", Kind: entities.RuleKindAPI, Pattern: "(", Action: entities.ActionDeny},
	}}))
	assert.Error(t, m.AddPolicy(entities.SecurityPolicy{}))
}

func TestAnalyzeBehavior(t *testing.T) {
	m := newManager(t)

	trace := []entities.BehaviorRecord{
		{API: "storage.get", Detail: "theme"},
		{API: APIStorageKeys},
		{API: APINetworkFetch, Detail: "http://10.0.0.5/collect"},
		{API: APIStorageClear},
		{API: "ui.notify", Detail: "javascript:alert(1)"},
		{API: "log.write", Detail: "eval(payload)"},
	}
	found := m.AnalyzeBehavior("notes", trace)

	got := make(map[string]entities.Severity)
	for _, v := range found {
		got[v.RuleID] = v.Severity
		assert.Equal(t, "notes", v.PluginID)
		assert.NotEmpty(t, v.ID)
	}
	assert.Equal(t, map[string]entities.Severity{
		"key-exfiltration":  entities.SeverityMedium,
		"raw-ip-target":     entities.SeverityMedium,
		"storage-clear":     entities.SeverityHigh,
		"navigation-hijack": entities.SeverityHigh,
		"dynamic-eval":      entities.SeverityCritical,
	}, got)
}

func TestRecordCall_CriticalHandler(t *testing.T) {
	var critical []entities.Violation
	m := newManager(t, WithCriticalHandler(func(v entities.Violation) {
		critical = append(critical, v)
	}), WithTraceSize(2))

	assert.Empty(t, m.RecordCall("notes", "storage.get", "a"))
	found := m.RecordCall("notes", "log.write", "loadstring(x)")
	require.Len(t, found, 1)
	require.Len(t, critical, 1)
	assert.Equal(t, "dynamic-eval", critical[0].RuleID)

	m.RecordCall("notes", "storage.get", "b")
	m.RecordCall("notes", "storage.get", "c")
	assert.LessOrEqual(t, len(m.Trace("notes")), 3)

	m.Forget("notes")
	assert.Empty(t, m.Trace("notes"))
}

func TestValidateManifest(t *testing.T) {
	ctx := context.Background()
	perms := &fakePermissions{}

	tests := []struct {
		name    string
		maxRisk entities.RiskLevel
		m       *entities.Manifest
		wantErr bool
	}{
		{"safe", entities.RiskLevelHigh, &entities.Manifest{Name: "notes", Main: "main.wasm"}, false},
		{"traversal", entities.RiskLevelHigh, &entities.Manifest{Name: "notes", Main: "../../etc/passwd"}, true},
		{"absolute", entities.RiskLevelHigh, &entities.Manifest{Name: "notes", Main: "/bin/sh"}, true},
		{
			"risk too high", entities.RiskLevelLow,
			&entities.Manifest{Name: "notes", Permissions: []entities.PermissionRequest{{ID: entities.PermissionNetwork}}},
			true,
		},
		{
			"risk ok", entities.RiskLevelMedium,
			&entities.Manifest{Name: "notes", Permissions: []entities.PermissionRequest{{ID: entities.PermissionNetwork}}},
			false,
		},
		{"install rule", entities.RiskLevelHigh, &entities.Manifest{Name: "malware"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, WithPermissionChecker(perms), WithMaxRisk(tt.maxRisk))
			err := m.ValidateManifest(ctx, tt.m)
			if tt.wantErr {
				assert.ErrorIs(t, err, rterrors.ErrSecurityViolation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestReport(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_ = m.CheckAPIAccess(ctx, "notes", "storage.clear")
	_ = m.CheckAPIAccess(ctx, "notes", "log.write")
	_ = m.CheckResourceAccess(ctx, "todo", "url", "https://x.evil.com/a")
	m.RecordCall("todo", "network.fetch", "https://example.com")
	m.RecordCall("notes", "storage.get", "city")

	r := m.Report("notes", 10)
	assert.Empty(t, r.Traced)
	assert.Equal(t, 1, r.Stats.Violations)
	assert.Equal(t, 1, r.Stats.Allowed)
	assert.Equal(t, 1, r.Stats.Denied)
	assert.Equal(t, 1, r.Stats.BySeverity[entities.SeverityHigh])
	assert.Len(t, r.Policies, 1)

	all := m.Report("", 10)
	assert.Equal(t, 2, all.Stats.Violations)
	assert.Len(t, all.Violations, 2)
	assert.Equal(t, []string{"notes", "todo"}, all.Traced)

	m.Forget("todo")
	assert.Equal(t, []string{"notes"}, m.Report("", 0).Traced)
}
