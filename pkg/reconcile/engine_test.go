package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisio/pkg/connectors/memory"
	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/identity"
	"github.com/openfroyo/provisio/pkg/pool"
	"github.com/openfroyo/provisio/pkg/propagation"
)

const (
	accountClass = "__ACCOUNT__"
	resourceKey  = "ldap"
)

// countingStore counts the writes reaching the identity store.
type countingStore struct {
	*identity.MemStore
	saves   atomic.Int64
	deletes atomic.Int64
}

func (s *countingStore) Save(ctx context.Context, delta engine.IdentityDelta) (*engine.Identity, error) {
	s.saves.Add(1)
	return s.MemStore.Save(ctx, delta)
}

func (s *countingStore) Delete(ctx context.Context, anyType, key string) error {
	s.deletes.Add(1)
	return s.MemStore.Delete(ctx, anyType, key)
}

// countingPropagator counts the changes handed to the executor.
type countingPropagator struct {
	next  Propagator
	calls atomic.Int64
}

func (p *countingPropagator) Propagate(ctx context.Context, change engine.IdentityChange, resources []engine.ExternalResource) ([]engine.PropagationStatus, error) {
	p.calls.Add(1)
	return p.next.Propagate(ctx, change, resources)
}

// memTokens is an in-memory engine.SyncTokenStore.
type memTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *memTokens) SyncToken(_ context.Context, resource, objectClass string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[resource+"/"+objectClass], nil
}

func (m *memTokens) SetSyncToken(_ context.Context, resource, objectClass, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = make(map[string]string)
	}
	m.tokens[resource+"/"+objectClass] = token
	return nil
}

// reportHook calls fn after every recorded page.
type reportHook func(reports []engine.ProvisioningReport)

func (h reportHook) RecordReports(_ context.Context, _ string, reports []engine.ProvisioningReport) error {
	h(reports)
	return nil
}

type fixture struct {
	engine     *Engine
	remote     *memory.Store
	identities *countingStore
	propagator *countingPropagator
	tokens     *memTokens
}

type fixtureOption func(*Config)

func newFixture(t *testing.T, instance engine.ConnectorInstance, opts ...fixtureOption) *fixture {
	t.Helper()
	nop := zerolog.Nop()
	stores := memory.NewFactory()
	m := pool.NewManager(pool.Config{Factory: stores, Logger: &nop})
	t.Cleanup(func() { _ = m.Close() })

	instance.Key = resourceKey
	instance.Bundle = memory.BundleName
	if err := m.Register(instance); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	executor, err := propagation.NewExecutor(propagation.Config{Pool: m, Logger: &nop})
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}

	res := accountResource(t)
	f := &fixture{
		remote:     stores.Store(resourceKey),
		identities: &countingStore{MemStore: identity.NewMemStore()},
		propagator: &countingPropagator{next: executor},
		tokens:     &memTokens{},
	}
	cfg := Config{
		Pool:       m,
		Identities: f.identities,
		Propagator: f.propagator,
		Resources: func(key string) (engine.ExternalResource, bool) {
			return res, key == res.Key
		},
		Tokens: f.tokens,
		Logger: &nop,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.engine, err = New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func accountResource(t *testing.T) engine.ExternalResource {
	t.Helper()
	m, err := engine.NewMappingBuilder().
		Key(engine.IdentityKeyAttribute, "uid").
		Attr("email", "mail").
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return engine.ExternalResource{
		Key:          resourceKey,
		ConnectorKey: resourceKey,
		Provisions:   []engine.Provision{{AnyType: engine.AnyTypeUser, ObjectClass: accountClass, Mapping: m}},
	}
}

func (f *fixture) putRemote(t *testing.T, uid, mail string) {
	t.Helper()
	attrs := engine.NewAttributes(map[string]interface{}{"uid": uid, "mail": mail})
	if err := f.remote.Put(accountClass, uid, attrs); err != nil {
		t.Fatalf("Put(%s) error = %v", uid, err)
	}
}

func (f *fixture) seedIdentity(t *testing.T, key, email string, linked bool) {
	t.Helper()
	delta := engine.IdentityDelta{
		AnyType:    engine.AnyTypeUser,
		Key:        key,
		Create:     true,
		Attributes: engine.NewAttributes(map[string]interface{}{"email": email}),
	}
	if linked {
		delta.Link = []string{resourceKey}
	}
	if _, err := f.identities.MemStore.Save(context.Background(), delta); err != nil {
		t.Fatalf("Save(%s) error = %v", key, err)
	}
}

func pullProfile() Profile {
	return Profile{
		Name:           "ldap-users",
		Resource:       resourceKey,
		AnyType:        engine.AnyTypeUser,
		Mode:           engine.PullModeFull,
		MatchingRule:   engine.MatchingUpdate,
		UnmatchingRule: engine.UnmatchingProvision,
		Correlation:    AttributeCorrelation{"email"},
	}
}

func statuses(result *RunResult) string {
	parts := make([]string, len(result.Reports))
	for i, rep := range result.Reports {
		parts[i] = string(rep.Status)
	}
	return strings.Join(parts, ",")
}

// mixedFixture holds one matching, one new and one ambiguous remote object.
func mixedFixture(t *testing.T) *fixture {
	f := newFixture(t, engine.ConnectorInstance{})
	f.seedIdentity(t, "alice", "alice@example.com", false)
	f.seedIdentity(t, "u1", "dup@example.com", false)
	f.seedIdentity(t, "u2", "dup@example.com", false)
	f.putRemote(t, "alice", "alice@corp.example.com")
	f.putRemote(t, "bob", "bob@example.com")
	f.putRemote(t, "zed", "dup@example.com")
	return f
}

func TestPullMixedOutcomes(t *testing.T) {
	f := mixedFixture(t)

	result, err := f.engine.Pull(context.Background(), pullProfile())
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if got := statuses(result); got != "SUCCESS,SUCCESS,FAILURE" {
		t.Fatalf("statuses = %s, want SUCCESS,SUCCESS,FAILURE", got)
	}
	if n := f.identities.Len(engine.AnyTypeUser); n != 4 {
		t.Errorf("identities = %d, want exactly one created", n)
	}

	alice := result.Reports[0]
	if alice.State != engine.StateUpdated || alice.Key != "alice" || alice.Operation != engine.OperationUpdate {
		t.Errorf("alice report = %+v", alice)
	}
	id, _ := f.identities.FindByKey(context.Background(), engine.AnyTypeUser, "alice")
	if id.Attributes.First("email") != "alice@corp.example.com" || !id.LinkedTo(resourceKey) {
		t.Errorf("alice = %+v, want updated and linked", id)
	}

	bob := result.Reports[1]
	if bob.State != engine.StateProvisioned || bob.Key != "bob" || bob.Rule != "PROVISION" {
		t.Errorf("bob report = %+v", bob)
	}

	zed := result.Reports[2]
	if zed.State != engine.StateError || zed.UidValue != "zed" || !strings.Contains(zed.Message, "2 identities match zed") {
		t.Errorf("zed report = %+v, want ambiguous match", zed)
	}
	if f.propagator.calls.Load() != 0 {
		t.Errorf("propagations = %d, want none for UPDATE/PROVISION pulls", f.propagator.calls.Load())
	}
}

func TestPullDryRunChangesNothing(t *testing.T) {
	f := mixedFixture(t)
	f.seedIdentity(t, "bob", "bob@example.com", true)

	profile := pullProfile()
	profile.MatchingRule = engine.MatchingDeprovision
	profile.DryRun = true

	result, err := f.engine.Pull(context.Background(), profile)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if got := statuses(result); got != "SUCCESS,SUCCESS,FAILURE" {
		t.Errorf("statuses = %s", got)
	}
	if !result.DryRun {
		t.Error("result not marked dry-run")
	}
	if f.identities.saves.Load() != 0 || f.identities.deletes.Load() != 0 {
		t.Errorf("saves = %d deletes = %d, want none", f.identities.saves.Load(), f.identities.deletes.Load())
	}
	if f.propagator.calls.Load() != 0 {
		t.Errorf("propagations = %d, want none", f.propagator.calls.Load())
	}
	if f.remote.Len(accountClass) != 3 {
		t.Errorf("remote objects = %d, want untouched", f.remote.Len(accountClass))
	}
}

// levelResource maps a numeric level attribute whose pull transformer fails
// on non-numeric input.
func levelResource(t *testing.T) engine.ExternalResource {
	t.Helper()
	m, err := engine.NewMappingBuilder().
		Key(engine.IdentityKeyAttribute, "uid").
		Attr("email", "mail").
		Add(engine.Item{IntAttrName: "level", ExtAttrName: "level", PullTransformer: "int(value) + 1"}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	res := accountResource(t)
	res.Provisions[0].Mapping = m
	return res
}

// translationFixture holds one matching, one new and one untranslatable
// remote object.
func translationFixture(t *testing.T) *fixture {
	res := levelResource(t)
	f := newFixture(t, engine.ConnectorInstance{}, func(c *Config) {
		c.Resources = func(key string) (engine.ExternalResource, bool) {
			return res, key == res.Key
		}
	})
	f.seedIdentity(t, "a", "a@example.com", false)
	for uid, level := range map[string]string{"a": "1", "b": "2", "c": "not-a-number"} {
		attrs := engine.NewAttributes(map[string]interface{}{"uid": uid, "mail": uid + "@example.com", "level": level})
		if err := f.remote.Put(accountClass, uid, attrs); err != nil {
			t.Fatalf("Put(%s) error = %v", uid, err)
		}
	}
	return f
}

// TestPullTranslationFailure tests that an object whose pull transformer
// fails is reported on its own while the rest of the page proceeds.
func TestPullTranslationFailure(t *testing.T) {
	f := translationFixture(t)

	result, err := f.engine.Pull(context.Background(), pullProfile())
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if got := statuses(result); got != "SUCCESS,SUCCESS,FAILURE" {
		t.Fatalf("statuses = %s, want SUCCESS,SUCCESS,FAILURE", got)
	}
	if n := f.identities.Len(engine.AnyTypeUser); n != 2 {
		t.Errorf("identities = %d, want exactly one created", n)
	}

	a, err := f.identities.FindByKey(context.Background(), engine.AnyTypeUser, "a")
	if err != nil {
		t.Fatalf("FindByKey(a) error = %v", err)
	}
	if got := a.Attributes.First("level"); got != 2 {
		t.Errorf("a level = %v, want 2", got)
	}
	if _, err := f.identities.FindByKey(context.Background(), engine.AnyTypeUser, "c"); err == nil {
		t.Error("identity created for untranslatable object")
	}

	c := result.Reports[2]
	if c.State != engine.StateError || c.UidValue != "c" || !strings.Contains(c.Message, string(engine.KindTranslation)) {
		t.Errorf("c report = %+v, want translation failure", c)
	}
	if f.propagator.calls.Load() != 0 {
		t.Errorf("propagations = %d, want none", f.propagator.calls.Load())
	}
}

func TestPullTranslationFailureDryRun(t *testing.T) {
	f := translationFixture(t)

	profile := pullProfile()
	profile.DryRun = true

	result, err := f.engine.Pull(context.Background(), profile)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if got := statuses(result); got != "SUCCESS,SUCCESS,FAILURE" {
		t.Errorf("statuses = %s, want SUCCESS,SUCCESS,FAILURE", got)
	}
	if f.identities.saves.Load() != 0 || f.identities.deletes.Load() != 0 {
		t.Errorf("saves = %d deletes = %d, want none", f.identities.saves.Load(), f.identities.deletes.Load())
	}
	if f.propagator.calls.Load() != 0 {
		t.Errorf("propagations = %d, want none", f.propagator.calls.Load())
	}
	if n := f.identities.Len(engine.AnyTypeUser); n != 1 {
		t.Errorf("identities = %d, want untouched", n)
	}
}

// TestZeroProfilePerformsRules tests that a profile without skip flags
// performs update and provision rules.
func TestZeroProfilePerformsRules(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{})
	f.seedIdentity(t, "alice", "alice@example.com", false)
	f.putRemote(t, "alice", "alice@corp.example.com")
	f.putRemote(t, "bob", "bob@example.com")

	result, err := f.engine.Pull(context.Background(), Profile{
		Resource:       resourceKey,
		AnyType:        engine.AnyTypeUser,
		Mode:           engine.PullModeFull,
		MatchingRule:   engine.MatchingUpdate,
		UnmatchingRule: engine.UnmatchingProvision,
	})
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if got := statuses(result); got != "SUCCESS,SUCCESS" {
		t.Errorf("statuses = %s, want SUCCESS,SUCCESS", got)
	}
	if result.Reports[0].State != engine.StateUpdated || result.Reports[1].State != engine.StateProvisioned {
		t.Errorf("states = %s,%s", result.Reports[0].State, result.Reports[1].State)
	}
}

func TestPullPerformFlags(t *testing.T) {
	tests := []struct {
		name      string
		matching  engine.MatchingRule
		configure func(*Profile)
		want      string
	}{
		{
			name:      "update refused",
			matching:  engine.MatchingUpdate,
			configure: func(p *Profile) { p.SkipUpdate = true },
			want:      "not configured for update",
		},
		{
			name:      "deprovision refused",
			matching:  engine.MatchingDeprovision,
			configure: func(p *Profile) { p.SkipDelete = true },
			want:      "not configured for delete",
		},
		{
			name:      "provision refused",
			matching:  engine.MatchingUpdate,
			configure: func(p *Profile) { p.SkipCreate = true },
			want:      "not configured for create",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, engine.ConnectorInstance{})
			if tt.want != "not configured for create" {
				f.seedIdentity(t, "alice", "alice@example.com", true)
			}
			f.putRemote(t, "alice", "alice@example.com")

			profile := pullProfile()
			profile.MatchingRule = tt.matching
			tt.configure(&profile)

			result, err := f.engine.Pull(context.Background(), profile)
			if err != nil {
				t.Fatalf("Pull() error = %v", err)
			}
			rep := result.Reports[0]
			if rep.Status != engine.ReportStatusIgnore || rep.Message != tt.want {
				t.Errorf("report = %+v, want IGNORE %q", rep, tt.want)
			}
			if f.identities.saves.Load() != 0 || f.propagator.calls.Load() != 0 {
				t.Error("refused rule still changed something")
			}
		})
	}
}

func TestPullDeprovisionDeletesRemoteObject(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{})
	f.seedIdentity(t, "alice", "alice@example.com", true)
	f.putRemote(t, "alice", "alice@example.com")

	profile := pullProfile()
	profile.MatchingRule = engine.MatchingDeprovision

	result, err := f.engine.Pull(context.Background(), profile)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	rep := result.Reports[0]
	if rep.Status != engine.ReportStatusSuccess || rep.State != engine.StateDeprovisioned || rep.Operation != engine.OperationDelete {
		t.Fatalf("report = %+v", rep)
	}
	if _, ok := f.remote.Get(accountClass, "alice"); ok {
		t.Error("remote object still present")
	}
	id, _ := f.identities.FindByKey(context.Background(), engine.AnyTypeUser, "alice")
	if id.LinkedTo(resourceKey) {
		t.Error("identity still linked")
	}
}

// TestPullDeprovisionFailureKeepsLink tests that the identity stays linked
// when the remote delete fails.
func TestPullDeprovisionFailureKeepsLink(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{})
	f.seedIdentity(t, "alice", "alice@example.com", true)
	f.putRemote(t, "alice", "alice@example.com")
	f.remote.FailNext("delete", errors.New("insufficient access rights"))

	profile := pullProfile()
	profile.MatchingRule = engine.MatchingDeprovision

	result, err := f.engine.Pull(context.Background(), profile)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	rep := result.Reports[0]
	if rep.Status != engine.ReportStatusFailure || rep.State != engine.StateError {
		t.Fatalf("report = %+v, want FAILURE", rep)
	}
	if _, ok := f.remote.Get(accountClass, "alice"); !ok {
		t.Error("remote object removed despite failed delete")
	}
	id, _ := f.identities.FindByKey(context.Background(), engine.AnyTypeUser, "alice")
	if !id.LinkedTo(resourceKey) {
		t.Error("identity unlinked despite failed delete")
	}
}

func TestPullLinkRules(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{})
	f.seedIdentity(t, "alice", "alice@example.com", false)
	f.putRemote(t, "alice", "alice@example.com")
	f.putRemote(t, "nobody", "nobody@example.com")

	profile := pullProfile()
	profile.MatchingRule = engine.MatchingLink
	profile.UnmatchingRule = engine.UnmatchingLink

	result, err := f.engine.Pull(context.Background(), profile)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if got := statuses(result); got != "SUCCESS,IGNORE" {
		t.Fatalf("statuses = %s, want SUCCESS,IGNORE", got)
	}
	if result.Reports[0].State != engine.StateLinked {
		t.Errorf("alice state = %s", result.Reports[0].State)
	}
	if result.Reports[1].Message != "no identity to link" {
		t.Errorf("nobody message = %q", result.Reports[1].Message)
	}
	id, _ := f.identities.FindByKey(context.Background(), engine.AnyTypeUser, "alice")
	if !id.LinkedTo(resourceKey) {
		t.Error("alice not linked")
	}
}

func TestPullAssignCreatesAssignedIdentity(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{})
	f.putRemote(t, "carol", "carol@example.com")

	profile := pullProfile()
	profile.UnmatchingRule = engine.UnmatchingAssign

	result, err := f.engine.Pull(context.Background(), profile)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if result.Reports[0].State != engine.StateAssigned {
		t.Fatalf("report = %+v", result.Reports[0])
	}
	id, err := f.identities.FindByKey(context.Background(), engine.AnyTypeUser, "carol")
	if err != nil {
		t.Fatalf("FindByKey() error = %v", err)
	}
	if len(id.Assigned) != 1 || id.Assigned[0] != resourceKey {
		t.Errorf("assigned = %v", id.Assigned)
	}
}

func TestPullFilteredReconciliation(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{})
	f.putRemote(t, "alice", "alice@example.com")
	f.putRemote(t, "bob", "bob@example.com")

	profile := pullProfile()
	profile.Mode = engine.PullModeFiltered
	profile.Filter = engine.EqualsFilter("mail", "bob@example.com")

	result, err := f.engine.Pull(context.Background(), profile)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(result.Reports) != 1 || result.Reports[0].UidValue != "bob" {
		t.Errorf("reports = %+v, want bob only", result.Reports)
	}
}

func TestPullIncremental(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.ConnectorInstance{})
	f.putRemote(t, "alice", "alice@example.com")
	f.putRemote(t, "bob", "bob@example.com")

	profile := pullProfile()
	profile.Mode = engine.PullModeIncremental

	first, err := f.engine.Pull(ctx, profile)
	if err != nil {
		t.Fatalf("first Pull() error = %v", err)
	}
	if got := statuses(first); got != "SUCCESS,SUCCESS" {
		t.Fatalf("first statuses = %s", got)
	}
	if first.SyncToken == "" {
		t.Fatal("sync token not stored")
	}

	h, err := f.engine.pool.Acquire(ctx, resourceKey, 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := h.Connector().Delete(ctx, accountClass, "bob"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	f.engine.pool.Release(h)

	second, err := f.engine.Pull(ctx, profile)
	if err != nil {
		t.Fatalf("second Pull() error = %v", err)
	}
	if len(second.Reports) != 1 {
		t.Fatalf("second reports = %+v, want the deletion only", second.Reports)
	}
	rep := second.Reports[0]
	if rep.State != engine.StateDeleted || rep.Status != engine.ReportStatusSuccess || rep.Key != "bob" {
		t.Errorf("deletion report = %+v", rep)
	}
	if _, err := f.identities.FindByKey(ctx, engine.AnyTypeUser, "bob"); err == nil {
		t.Error("bob still stored")
	}

	third, err := f.engine.Pull(ctx, profile)
	if err != nil {
		t.Fatalf("third Pull() error = %v", err)
	}
	if len(third.Reports) != 0 {
		t.Errorf("third reports = %+v, want none", third.Reports)
	}
}

func TestPullIncrementalDryRunKeepsToken(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{})
	f.putRemote(t, "alice", "alice@example.com")

	profile := pullProfile()
	profile.Mode = engine.PullModeIncremental
	profile.DryRun = true

	result, err := f.engine.Pull(context.Background(), profile)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if result.SyncToken != "" {
		t.Errorf("SyncToken = %q, want none on dry-run", result.SyncToken)
	}
	if tok, _ := f.tokens.SyncToken(context.Background(), resourceKey, accountClass); tok != "" {
		t.Errorf("stored token = %q", tok)
	}
}

func TestPullIncrementalNeedsTokenStore(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{}, func(c *Config) { c.Tokens = nil })
	profile := pullProfile()
	profile.Mode = engine.PullModeIncremental

	_, err := f.engine.Pull(context.Background(), profile)
	if !engine.IsConfiguration(err) {
		t.Errorf("Pull() error = %v, want configuration error", err)
	}
}

func TestPullWithoutSearchIsNoop(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{
		Properties: map[string]interface{}{"capabilities": "CREATE,UPDATE"},
	})
	f.putRemote(t, "alice", "alice@example.com")

	result, err := f.engine.Pull(context.Background(), pullProfile())
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(result.Reports) != 0 || f.remote.Calls("search") != 0 {
		t.Errorf("reports = %d searches = %d, want none", len(result.Reports), f.remote.Calls("search"))
	}
}

func TestPullCancelledBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, engine.ConnectorInstance{}, func(c *Config) {
		c.Reports = reportHook(func([]engine.ProvisioningReport) { cancel() })
	})
	for i := 0; i < 3; i++ {
		f.putRemote(t, fmt.Sprintf("user%d", i), fmt.Sprintf("user%d@example.com", i))
	}

	profile := pullProfile()
	profile.PageSize = 1

	result, err := f.engine.Pull(ctx, profile)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if !result.Cancelled || result.Pages != 1 || len(result.Reports) != 1 {
		t.Errorf("cancelled = %v pages = %d reports = %d, want cancelled after one page",
			result.Cancelled, result.Pages, len(result.Reports))
	}
	if result.Reports[0].Status != engine.ReportStatusSuccess {
		t.Errorf("first page report = %+v, want completed", result.Reports[0])
	}
}

func TestPullKeepsPageOrderWithConcurrency(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{})
	var want []string
	for i := 0; i < 12; i++ {
		uid := fmt.Sprintf("user%02d", i)
		want = append(want, uid)
		f.putRemote(t, uid, uid+"@example.com")
	}

	profile := pullProfile()
	profile.Concurrency = 4
	profile.PageSize = 5

	result, err := f.engine.Pull(context.Background(), profile)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if result.Pages != 3 {
		t.Errorf("pages = %d, want 3", result.Pages)
	}
	var got []string
	for _, rep := range result.Reports {
		got = append(got, rep.UidValue)
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("report order = %v, want %v", got, want)
	}
}

func TestPullSearchFailureIsRunError(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{})
	f.putRemote(t, "alice", "alice@example.com")
	f.remote.FailNext("search", fmt.Errorf("directory offline"))

	result, err := f.engine.Pull(context.Background(), pullProfile())
	if err == nil || !strings.Contains(err.Error(), "directory offline") {
		t.Fatalf("Pull() error = %v, want search failure", err)
	}
	if result == nil || len(result.Reports) != 0 {
		t.Errorf("result = %+v, want empty result", result)
	}
}

func TestPullPreprocessHook(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{})
	f.putRemote(t, "dana", "DANA@Example.com")

	profile := pullProfile()
	profile.ActionsScript = `
def preprocess(object, attrs):
    out = dict(attrs)
    out["email"] = object.uid + "@example.com"
    return out
`
	if _, err := f.engine.Pull(context.Background(), profile); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	id, err := f.identities.FindByKey(context.Background(), engine.AnyTypeUser, "dana")
	if err != nil {
		t.Fatalf("FindByKey() error = %v", err)
	}
	if got := id.Attributes.First("email"); got != "dana@example.com" {
		t.Errorf("email = %v, want rewritten by preprocess", got)
	}
}

func TestPrepareRejectsBadConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
	}{
		{name: "unknown resource", mutate: func(p *Profile) { p.Resource = "ad" }},
		{name: "no provision", mutate: func(p *Profile) { p.AnyType = engine.AnyTypeGroup }},
		{name: "bad rule", mutate: func(p *Profile) { p.MatchingRule = "MERGE" }},
		{name: "filtered without filter", mutate: func(p *Profile) { p.Mode = engine.PullModeFiltered }},
		{name: "broken script", mutate: func(p *Profile) { p.ActionsScript = "def preprocess(:\n" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, engine.ConnectorInstance{})
			f.putRemote(t, "alice", "alice@example.com")
			profile := pullProfile()
			tt.mutate(&profile)

			result, err := f.engine.Pull(context.Background(), profile)
			if err == nil {
				t.Fatal("Pull() error = nil")
			}
			if result != nil {
				t.Errorf("result = %+v, want nil before any item", result)
			}
			if f.remote.Calls("search") != 0 {
				t.Error("connector called despite configuration error")
			}
		})
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); !engine.IsConfiguration(err) {
		t.Errorf("New() error = %v, want configuration error", err)
	}
}
