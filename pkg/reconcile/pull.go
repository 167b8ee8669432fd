package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/mapping"
)

// item is one object or identity being reconciled.
type item struct {
	// obj is the remote object; nil for an unmatched push.
	obj *engine.ConnectorObject

	// attrs are internal attributes: translated from obj on pull, the
	// identity's (after preprocess) on push.
	attrs engine.Attributes

	// identity is the counterpart; nil when unmatched on pull.
	identity *engine.Identity
}

type handler func(ctx context.Context, r *run, it *item, rep engine.ProvisioningReport) engine.ProvisioningReport

var pullMatching = map[engine.MatchingRule]handler{
	engine.MatchingUpdate:      pullUpdate,
	engine.MatchingDeprovision: pullRemove(engine.StateDeprovisioned),
	engine.MatchingUnassign:    pullRemove(engine.StateUnassigned),
	engine.MatchingUnlink:      saveLinkage(engine.StateUnlinked),
	engine.MatchingLink:        saveLinkage(engine.StateLinked),
	engine.MatchingIgnore:      ignoreItem,
}

var pullUnmatching = map[engine.UnmatchingRule]handler{
	engine.UnmatchingProvision: pullCreate(engine.StateProvisioned),
	engine.UnmatchingAssign:    pullCreate(engine.StateAssigned),
	engine.UnmatchingLink:      pullNothingToLink,
	engine.UnmatchingIgnore:    ignoreItem,
}

// Pull reads the profile's resource and reconciles every object with the
// identity store. The error is non-nil for configuration problems, found
// before anything is read, and for failed page reads; the result then holds
// the reports of the pages completed so far.
func (e *Engine) Pull(ctx context.Context, profile Profile) (*RunResult, error) {
	r, err := e.prepare(profile, DirectionPull)
	if err != nil {
		return nil, err
	}
	if profile.Mode == engine.PullModeIncremental && e.tokens == nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("profile %s: incremental pull needs a sync token store", profile.Name), nil)
	}

	ctx, done := r.begin(ctx)
	result := r.newResult()
	defer done(result)

	caps, err := r.capabilities(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to reach connector: %w", err)
	}
	if profile.Mode == engine.PullModeIncremental {
		return result, r.pullIncremental(ctx, caps, result)
	}
	return result, r.pullPaged(ctx, caps, result)
}

func (r *run) pullPaged(ctx context.Context, caps engine.CapabilitySet, result *RunResult) error {
	if !caps.Has(engine.CapabilitySearch) {
		r.logger.Warn().Msg("Connector does not support SEARCH, nothing to pull")
		return nil
	}
	var filter *engine.Filter
	if r.profile.Mode == engine.PullModeFiltered {
		filter = r.profile.Filter
	}

	cookie := ""
	for page := 1; ; page++ {
		if ctx.Err() != nil {
			result.Cancelled = true
			return nil
		}
		res, err := r.search(ctx, filter, cookie)
		if err != nil {
			if ctx.Err() != nil {
				result.Cancelled = true
				return nil
			}
			return fmt.Errorf("failed to read page %d: %w", page, err)
		}

		objects := res.Objects
		reports := r.processPage(context.WithoutCancel(ctx), page, len(objects),
			func(ctx context.Context, i int) engine.ProvisioningReport {
				return r.pullObject(ctx, objects[i])
			})
		result.Reports = append(result.Reports, reports...)
		result.Pages++

		if res.NextCookie == "" {
			return nil
		}
		cookie = res.NextCookie
	}
}

func (r *run) pullIncremental(ctx context.Context, caps engine.CapabilitySet, result *RunResult) error {
	if !caps.Has(engine.CapabilitySync) {
		r.logger.Warn().Msg("Connector does not support SYNC, nothing to pull")
		return nil
	}
	oc := r.compiled.ObjectClass()
	token, err := r.eng.tokens.SyncToken(ctx, r.resource.Key, oc)
	if err != nil {
		return fmt.Errorf("failed to read sync token: %w", err)
	}
	deltas, latest, err := r.sync(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to read deltas: %w", err)
	}

	size := r.profile.pageSize()
	for start, page := 0, 1; start < len(deltas); start, page = start+size, page+1 {
		if ctx.Err() != nil {
			result.Cancelled = true
			return nil
		}
		end := start + size
		if end > len(deltas) {
			end = len(deltas)
		}
		batch := deltas[start:end]
		reports := r.processPage(context.WithoutCancel(ctx), page, len(batch),
			func(ctx context.Context, i int) engine.ProvisioningReport {
				return r.pullDelta(ctx, batch[i])
			})
		result.Reports = append(result.Reports, reports...)
		result.Pages++
	}

	if r.profile.DryRun || latest == "" || latest == token {
		return nil
	}
	if err := r.eng.tokens.SetSyncToken(ctx, r.resource.Key, oc, latest); err != nil {
		return fmt.Errorf("failed to store sync token: %w", err)
	}
	result.SyncToken = latest
	return nil
}

// pullObject reconciles one remote object.
func (r *run) pullObject(ctx context.Context, obj *engine.ConnectorObject) engine.ProvisioningReport {
	rep := r.baseReport()
	rep.UidValue = obj.UID

	attrs, err := mapping.FromNative(r.compiled, obj)
	if err != nil {
		return failReport(rep, err)
	}
	attrs, err = r.script.Preprocess(ctx, obj, attrs)
	if err != nil {
		return failReport(rep, fmt.Errorf("preprocess hook failed: %w", err))
	}

	it := &item{obj: obj, attrs: attrs}
	identity, rep, ok := r.matchOne(ctx, obj, attrs, rep)
	if !ok {
		return rep
	}
	it.identity = identity

	if identity != nil {
		rule := r.profile.MatchingRule
		rep.Rule = string(rule)
		if allowed, op := r.profile.performsMatching(rule); !allowed {
			rep.Operation = rule.Operation()
			return ignoreReport(rep, engine.StateIgnored, notConfigured(op))
		}
		return pullMatching[rule](ctx, r, it, rep)
	}

	rule := r.profile.UnmatchingRule
	rep.Rule = string(rule)
	if allowed, op := r.profile.performsUnmatching(rule); !allowed {
		rep.Operation = rule.Operation()
		return ignoreReport(rep, engine.StateIgnored, notConfigured(op))
	}
	return pullUnmatching[rule](ctx, r, it, rep)
}

// pullDelta reconciles one incremental change.
func (r *run) pullDelta(ctx context.Context, d engine.SyncDelta) engine.ProvisioningReport {
	if d.Type != engine.DeltaDelete && d.Object != nil {
		return r.pullObject(ctx, d.Object)
	}

	rep := r.baseReport()
	rep.UidValue = d.UID
	rep.Operation = engine.OperationDelete

	obj := &engine.ConnectorObject{ObjectClass: r.compiled.ObjectClass(), UID: d.UID, Attributes: engine.Attributes{}}
	attrs, err := mapping.FromNative(r.compiled, obj)
	if err != nil {
		return failReport(rep, err)
	}
	identity, rep, ok := r.matchOne(ctx, obj, attrs, rep)
	if !ok {
		return rep
	}
	if identity == nil {
		return ignoreReport(rep, engine.StateIgnored, "no identity for deleted object")
	}
	if r.profile.SkipDelete {
		return ignoreReport(rep, engine.StateIgnored, notConfigured("delete"))
	}

	rep.State = engine.StateDeleted
	if !r.profile.DryRun {
		if err := r.eng.identities.Delete(ctx, r.profile.AnyType, identity.Key); err != nil {
			return failReport(rep, err)
		}
	}
	rep.Status = engine.ReportStatusSuccess
	return rep
}

// matchOne finds the counterpart of a remote object. ok is false when rep is
// already terminal (lookup failure or ambiguity).
func (r *run) matchOne(ctx context.Context, obj *engine.ConnectorObject, attrs engine.Attributes, rep engine.ProvisioningReport) (*engine.Identity, engine.ProvisioningReport, bool) {
	found, err := r.match(ctx, obj, attrs)
	if err != nil {
		return nil, failReport(rep, err), false
	}
	switch len(found) {
	case 0:
		rep.State = engine.StateUnmatched
		return nil, rep, true
	case 1:
		rep.State = engine.StateMatched
		rep.Key = found[0].Key
		return found[0], rep, true
	default:
		keys := make([]string, len(found))
		for i, id := range found {
			keys[i] = id.Key
		}
		return nil, failReport(rep, engine.NewMatchAmbiguousError(obj.UID, keys).WithResource(r.resource.Key)), false
	}
}

// match looks up identities by the connObjectKey value first, then by the
// profile's correlation rule.
func (r *run) match(ctx context.Context, obj *engine.ConnectorObject, attrs engine.Attributes) ([]*engine.Identity, error) {
	keyItem := r.compiled.KeyItem()
	anyType := r.profile.AnyType

	var found []*engine.Identity
	if v := attrs.First(keyItem.IntAttrName); v != nil && engine.ValueString(v) != "" {
		if keyItem.IntAttrName == engine.IdentityKeyAttribute {
			id, err := r.eng.identities.FindByKey(ctx, anyType, engine.ValueString(v))
			switch {
			case err == nil:
				found = []*engine.Identity{id}
			case !errors.Is(err, engine.ErrObjectNotFound):
				return nil, fmt.Errorf("failed to look up identity: %w", err)
			}
		} else {
			ids, err := r.eng.identities.FindByCorrelation(ctx, anyType, map[string]interface{}{keyItem.IntAttrName: v})
			if err != nil {
				return nil, fmt.Errorf("failed to look up identity: %w", err)
			}
			found = ids
		}
	}
	if len(found) > 0 || r.profile.Correlation == nil {
		return found, nil
	}

	q, err := r.profile.Correlation.Query(ctx, anyType, obj, attrs)
	if err != nil {
		return nil, engine.NewConfigurationError("correlation rule failed", err).WithResource(r.resource.Key)
	}
	if len(q) == 0 {
		return nil, nil
	}
	found, err = r.eng.identities.FindByCorrelation(ctx, anyType, q)
	if err != nil {
		return nil, fmt.Errorf("failed to correlate identity: %w", err)
	}
	return found, nil
}

func pullUpdate(ctx context.Context, r *run, it *item, rep engine.ProvisioningReport) engine.ProvisioningReport {
	rep.Operation = engine.OperationUpdate
	rep.State = engine.StateUpdated
	if !r.profile.DryRun {
		delta := engine.IdentityDelta{
			AnyType:    r.profile.AnyType,
			Key:        it.identity.Key,
			Attributes: withoutKey(it.attrs),
		}
		if !it.identity.LinkedTo(r.resource.Key) {
			delta.Link = []string{r.resource.Key}
		}
		if _, err := r.eng.identities.Save(ctx, delta); err != nil {
			return failReport(rep, err)
		}
	}
	rep.Status = engine.ReportStatusSuccess
	return rep
}

// pullRemove deletes the object from the resource and drops the link once
// it is gone. A failed delete leaves the identity linked.
func pullRemove(state engine.ReconcileState) handler {
	return func(ctx context.Context, r *run, it *item, rep engine.ProvisioningReport) engine.ProvisioningReport {
		rep.Operation = engine.OperationDelete
		rep.State = state
		if r.profile.DryRun {
			rep.Status = engine.ReportStatusSuccess
			return rep
		}
		rep = r.propagate(ctx, engine.OperationDelete, it.identity, it.attrs, rep)
		if rep.Status == engine.ReportStatusSuccess && it.identity.LinkedTo(r.resource.Key) {
			if err := r.link(ctx, it.identity.Key, false); err != nil {
				return failReport(rep, err)
			}
		}
		return rep
	}
}

// saveLinkage adds or removes the association only.
func saveLinkage(state engine.ReconcileState) handler {
	return func(ctx context.Context, r *run, it *item, rep engine.ProvisioningReport) engine.ProvisioningReport {
		rep.State = state
		if !r.profile.DryRun {
			if err := r.link(ctx, it.identity.Key, state == engine.StateLinked); err != nil {
				return failReport(rep, err)
			}
		}
		rep.Status = engine.ReportStatusSuccess
		return rep
	}
}

// pullCreate creates the identity, linked to or assigned the resource.
func pullCreate(state engine.ReconcileState) handler {
	return func(ctx context.Context, r *run, it *item, rep engine.ProvisioningReport) engine.ProvisioningReport {
		rep.Operation = engine.OperationCreate
		rep.State = state
		if r.profile.DryRun {
			rep.Status = engine.ReportStatusSuccess
			return rep
		}

		delta := engine.IdentityDelta{
			AnyType:    r.profile.AnyType,
			Create:     true,
			Attributes: withoutKey(it.attrs),
		}
		if keyItem := r.compiled.KeyItem(); keyItem.IntAttrName == engine.IdentityKeyAttribute {
			delta.Key = engine.ValueString(it.attrs.First(engine.IdentityKeyAttribute))
		}
		if state == engine.StateAssigned {
			delta.Assign = []string{r.resource.Key}
		} else {
			delta.Link = []string{r.resource.Key}
		}

		id, err := r.eng.identities.Save(ctx, delta)
		if err != nil {
			return failReport(rep, err)
		}
		rep.Key = id.Key
		rep.Status = engine.ReportStatusSuccess
		return rep
	}
}

func pullNothingToLink(_ context.Context, _ *run, _ *item, rep engine.ProvisioningReport) engine.ProvisioningReport {
	return ignoreReport(rep, engine.StateIgnored, "no identity to link")
}

func ignoreItem(_ context.Context, _ *run, _ *item, rep engine.ProvisioningReport) engine.ProvisioningReport {
	return ignoreReport(rep, engine.StateIgnored, "")
}

// link adds (or, with add false, removes) the association with the run's resource.
func (r *run) link(ctx context.Context, key string, add bool) error {
	delta := engine.IdentityDelta{AnyType: r.profile.AnyType, Key: key}
	if add {
		delta.Link = []string{r.resource.Key}
	} else {
		delta.Unlink = []string{r.resource.Key}
	}
	_, err := r.eng.identities.Save(ctx, delta)
	return err
}

// propagate sends one operation for the identity to the run's resource and
// folds the outcome into rep. The resource is driven synchronously so the
// report reflects the native result.
func (r *run) propagate(ctx context.Context, op engine.ResourceOperation, identity *engine.Identity, attrs engine.Attributes, rep engine.ProvisioningReport) engine.ProvisioningReport {
	merged := identity.Attributes.Clone()
	if merged == nil {
		merged = engine.Attributes{}
	}
	for _, name := range attrs.Names() {
		values, _ := attrs.Get(name)
		merged.Set(name, values...)
	}

	res := r.resource
	res.Async = false
	res.Priority = nil
	res.BlockingPriority = false

	statuses, err := r.eng.propagator.Propagate(ctx, engine.IdentityChange{
		AnyType:    r.profile.AnyType,
		Key:        identity.Key,
		Operation:  op,
		Attributes: merged,
	}, []engine.ExternalResource{res})
	if err != nil {
		return failReport(rep, err)
	}
	if len(statuses) == 0 {
		return failReport(rep, engine.NewConfigurationError(
			fmt.Sprintf("resource %s does not provision %s", r.resource.Key, r.profile.AnyType), nil))
	}

	st := statuses[0]
	rep.Status = engine.ReportStatusFor(st.Status)
	switch st.Status {
	case engine.ExecStatusFailure:
		rep.State = engine.StateError
		rep.Message = st.FailureReason
	case engine.ExecStatusNotAttempted:
		rep.Message = st.FailureReason
	}
	return rep
}

func withoutKey(attrs engine.Attributes) engine.Attributes {
	out := attrs.Clone()
	delete(out, engine.IdentityKeyAttribute)
	return out
}
