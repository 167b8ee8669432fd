package reconcile

import (
	"context"
	"fmt"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/mapping"
)

var pushMatching = map[engine.MatchingRule]handler{
	engine.MatchingUpdate:      pushUpdate,
	engine.MatchingDeprovision: pushDeprovision,
	engine.MatchingUnassign:    pushUnassign,
	engine.MatchingUnlink:      saveLinkage(engine.StateUnlinked),
	engine.MatchingLink:        saveLinkage(engine.StateLinked),
	engine.MatchingIgnore:      ignoreItem,
}

var pushUnmatching = map[engine.UnmatchingRule]handler{
	engine.UnmatchingProvision: pushProvision,
	engine.UnmatchingAssign:    pushAssign,
	engine.UnmatchingLink:      saveLinkage(engine.StateLinked),
	engine.UnmatchingIgnore:    ignoreItem,
}

// Push enumerates the identities of the profile's any-type and reconciles
// each with the profile's resource. Identities outside Profile.Filter are
// skipped without a report.
func (e *Engine) Push(ctx context.Context, profile Profile) (*RunResult, error) {
	r, err := e.prepare(profile, DirectionPush)
	if err != nil {
		return nil, err
	}

	ctx, done := r.begin(ctx)
	result := r.newResult()
	defer done(result)

	caps, err := r.capabilities(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to reach connector: %w", err)
	}

	cursor := ""
	for page := 1; ; page++ {
		if ctx.Err() != nil {
			result.Cancelled = true
			return result, nil
		}
		identities, next, err := e.identities.List(ctx, profile.AnyType, cursor, profile.pageSize())
		if err != nil {
			if ctx.Err() != nil {
				result.Cancelled = true
				return result, nil
			}
			return result, fmt.Errorf("failed to list identities: %w", err)
		}

		selected := make([]*engine.Identity, 0, len(identities))
		for _, id := range identities {
			if profile.Filter.IsEmpty() || profile.Filter.Matches(pseudoObject(id)) {
				selected = append(selected, id)
			}
		}

		reports := r.processPage(context.WithoutCancel(ctx), page, len(selected),
			func(ctx context.Context, i int) engine.ProvisioningReport {
				return r.pushIdentity(ctx, caps, selected[i])
			})
		result.Reports = append(result.Reports, reports...)
		result.Pages++

		if next == "" {
			return result, nil
		}
		cursor = next
	}
}

// pseudoObject exposes an identity to filters written for remote objects.
func pseudoObject(id *engine.Identity) *engine.ConnectorObject {
	return &engine.ConnectorObject{UID: id.Key, Attributes: id.Attributes}
}

// pushIdentity reconciles one identity with its remote counterpart.
func (r *run) pushIdentity(ctx context.Context, caps engine.CapabilitySet, identity *engine.Identity) engine.ProvisioningReport {
	rep := r.baseReport()
	rep.Key = identity.Key

	uid, err := mapping.ConnObjectKeyValue(r.compiled, *identity)
	if err != nil {
		return failReport(rep, err)
	}
	rep.UidValue = uid

	if !caps.Has(engine.CapabilitySearch) {
		return ignoreReport(rep, engine.StateIgnored, "connector cannot search")
	}
	obj, err := r.fetch(ctx, uid)
	if err != nil {
		return failReport(rep, err)
	}

	attrs, err := r.script.Preprocess(ctx, obj, identity.Attributes.Clone())
	if err != nil {
		return failReport(rep, fmt.Errorf("preprocess hook failed: %w", err))
	}
	it := &item{obj: obj, attrs: attrs, identity: identity}

	if obj != nil {
		rep.State = engine.StateMatched
		rule := r.profile.MatchingRule
		rep.Rule = string(rule)
		if allowed, op := r.profile.performsMatching(rule); !allowed {
			rep.Operation = rule.Operation()
			return ignoreReport(rep, engine.StateIgnored, notConfigured(op))
		}
		return pushMatching[rule](ctx, r, it, rep)
	}

	rep.State = engine.StateUnmatched
	rule := r.profile.UnmatchingRule
	rep.Rule = string(rule)
	if allowed, op := r.profile.performsUnmatching(rule); !allowed {
		rep.Operation = rule.Operation()
		return ignoreReport(rep, engine.StateIgnored, notConfigured(op))
	}
	return pushUnmatching[rule](ctx, r, it, rep)
}

func pushUpdate(ctx context.Context, r *run, it *item, rep engine.ProvisioningReport) engine.ProvisioningReport {
	rep.Operation = engine.OperationUpdate
	rep.State = engine.StateUpdated
	if r.profile.DryRun {
		rep.Status = engine.ReportStatusSuccess
		return rep
	}
	rep = r.propagate(ctx, engine.OperationUpdate, it.identity, it.attrs, rep)
	if rep.Status == engine.ReportStatusSuccess && !it.identity.LinkedTo(r.resource.Key) {
		if err := r.link(ctx, it.identity.Key, true); err != nil {
			return failReport(rep, err)
		}
	}
	return rep
}

// pushDeprovision deletes the remote object and drops the link once it is gone.
func pushDeprovision(ctx context.Context, r *run, it *item, rep engine.ProvisioningReport) engine.ProvisioningReport {
	rep.Operation = engine.OperationDelete
	rep.State = engine.StateDeprovisioned
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

// pushUnassign drops the assignment first, then deletes the remote object.
func pushUnassign(ctx context.Context, r *run, it *item, rep engine.ProvisioningReport) engine.ProvisioningReport {
	rep.Operation = engine.OperationDelete
	rep.State = engine.StateUnassigned
	if r.profile.DryRun {
		rep.Status = engine.ReportStatusSuccess
		return rep
	}
	if err := r.link(ctx, it.identity.Key, false); err != nil {
		return failReport(rep, err)
	}
	return r.propagate(ctx, engine.OperationDelete, it.identity, it.attrs, rep)
}

func pushProvision(ctx context.Context, r *run, it *item, rep engine.ProvisioningReport) engine.ProvisioningReport {
	rep.Operation = engine.OperationCreate
	rep.State = engine.StateProvisioned
	if r.profile.DryRun {
		rep.Status = engine.ReportStatusSuccess
		return rep
	}
	rep = r.propagate(ctx, engine.OperationCreate, it.identity, it.attrs, rep)
	if rep.Status == engine.ReportStatusSuccess && !it.identity.LinkedTo(r.resource.Key) {
		if err := r.link(ctx, it.identity.Key, true); err != nil {
			return failReport(rep, err)
		}
	}
	return rep
}

// pushAssign records the assignment, then creates the remote object.
func pushAssign(ctx context.Context, r *run, it *item, rep engine.ProvisioningReport) engine.ProvisioningReport {
	rep.Operation = engine.OperationCreate
	rep.State = engine.StateAssigned
	if r.profile.DryRun {
		rep.Status = engine.ReportStatusSuccess
		return rep
	}
	if _, err := r.eng.identities.Save(ctx, engine.IdentityDelta{
		AnyType: r.profile.AnyType,
		Key:     it.identity.Key,
		Assign:  []string{r.resource.Key},
	}); err != nil {
		return failReport(rep, err)
	}
	return r.propagate(ctx, engine.OperationCreate, it.identity, it.attrs, rep)
}
