package auth

import (
	"context"
	"strings"
)

// Action is the access being requested against a resource type.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Effect is the outcome category of an access decision.
type Effect int

const (
	// EffectAllowAll grants unrestricted access to the resource type.
	EffectAllowAll Effect = iota
	// EffectAllowFiltered grants access restricted to resources owned by
	// the patients in Decision.PatientIDs.
	EffectAllowFiltered
	// EffectDeny refuses access with Decision.Reason.
	EffectDeny
)

// Decision is the result of evaluating a principal against a resource type.
// It is computed per call and never persisted.
type Decision struct {
	Effect     Effect
	PatientIDs []string
	Reason     string
}

func allowAll() Decision { return Decision{Effect: EffectAllowAll} }

func allowFiltered(ids ...string) Decision {
	return Decision{Effect: EffectAllowFiltered, PatientIDs: ids}
}

func deny(reason string) Decision { return Decision{Effect: EffectDeny, Reason: reason} }

// AllowsOwner evaluates the decision against a single already-fetched
// resource identified by its owning-patient reference (instance-validate
// mode).
func (d Decision) AllowsOwner(ownerRef string) bool {
	switch d.Effect {
	case EffectAllowAll:
		return true
	case EffectAllowFiltered:
		owner := PatientIDFromReference(ownerRef)
		for _, id := range d.PatientIDs {
			if id == owner {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// OwnerFilter returns the owning-patient predicate for a list query
// (query-filter mode). ok is false when no filter applies: either the
// query is unrestricted or it must return nothing.
func (d Decision) OwnerFilter() (ids []string, ok bool) {
	if d.Effect != EffectAllowFiltered {
		return nil, false
	}
	return d.PatientIDs, true
}

// PatientIDFromReference strips the resource-type prefix from a FHIR
// reference: "Patient/123" and "123" both yield "123".
func PatientIDFromReference(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// PatientLinkDirectory resolves a directory identity to the patient records
// it is linked to. Used when a token carries no explicit patient context.
type PatientLinkDirectory interface {
	LinkedPatientIDs(ctx context.Context, idpUserID string) ([]string, error)
}

// Engine turns a principal's roles, patient context, and directory scope
// permissions into an access decision. It holds no per-request state.
type Engine struct {
	adminRoles        []string
	practitionerRoles []string
	links             PatientLinkDirectory
}

// NewEngine creates a decision engine. links may be nil, in which case
// principals without explicit patient context are denied at step 3.
func NewEngine(links PatientLinkDirectory) *Engine {
	return &Engine{
		adminRoles:        []string{"admin"},
		practitionerRoles: []string{"practitioner", "physician", "nurse"},
		links:             links,
	}
}

// SetAdminRoles overrides the administrator-equivalent role set.
func (e *Engine) SetAdminRoles(roles ...string) { e.adminRoles = roles }

// SetPractitionerRoles overrides the practitioner-equivalent role set.
func (e *Engine) SetPractitionerRoles(roles ...string) { e.practitionerRoles = roles }

// Decide evaluates the precedence ladder for the principal against a
// resource type and action. First match wins:
//
//  1. administrator-equivalent role: allow everything;
//  2. explicit patient-context claim: filter to exactly that patient;
//  3. directory identity linked to patient records: filter to the union;
//  4. practitioner-equivalent role: allow everything (pending narrowing to
//     assigned-patient/consent scope);
//  5. directory scope permission for the resource type and action.
func (e *Engine) Decide(ctx context.Context, p *Principal, resourceType string, action Action) Decision {
	if p == nil {
		return deny("no authenticated principal")
	}

	if p.HasAnyRole(e.adminRoles...) {
		return allowAll()
	}

	if p.PatientContext != "" {
		return allowFiltered(PatientIDFromReference(p.PatientContext))
	}

	if p.HasRole("patient") {
		if e.links != nil && p.IdPUserID != "" {
			linked, err := e.links.LinkedPatientIDs(ctx, p.IdPUserID)
			if err == nil && len(linked) > 0 {
				return allowFiltered(linked...)
			}
		}
		return deny("no patient record linked to this account")
	}

	if p.HasAnyRole(e.practitionerRoles...) {
		return allowAll()
	}

	if scopeAllows(p.Scopes, resourceType, string(action)) {
		return allowAll()
	}
	return deny("no permission for " + resourceType + "." + string(action))
}

// AuthorizeResource runs Decide in instance-validate mode: it evaluates the
// decision against an already-fetched resource's owning-patient reference
// and returns a Forbidden error on deny.
func (e *Engine) AuthorizeResource(ctx context.Context, p *Principal, resourceType string, action Action, ownerRef string) error {
	d := e.Decide(ctx, p, resourceType, action)
	if d.Effect == EffectDeny {
		return NewError(KindForbidden, "%s", d.Reason)
	}
	if !d.AllowsOwner(ownerRef) {
		return NewError(KindForbidden, "patients may only access their own records")
	}
	return nil
}

// scopeAllows checks whether the principal's directory scopes grant the
// resource type and operation. Scopes follow the SMART form
// <context>/<resourceType>.<operation> with * wildcards on either part.
func scopeAllows(scopes []string, resourceType, operation string) bool {
	for _, s := range scopes {
		slash := strings.Index(s, "/")
		if slash < 0 {
			continue
		}
		remainder := s[slash+1:]
		dot := strings.LastIndex(remainder, ".")
		if dot < 0 {
			continue
		}
		granted, op := remainder[:dot], remainder[dot+1:]
		if granted != "*" && granted != resourceType {
			continue
		}
		if op != "*" && op != operation {
			continue
		}
		return true
	}
	return false
}
