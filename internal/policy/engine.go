// Package policy decides whether a caller may act on an organization's
// resources, using an embedded Rego policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Actions checked against the policy.
const (
	ActionSessionRead    = "session.read"
	ActionSessionWrite   = "session.write"
	ActionMessageRead    = "message.read"
	ActionMessageSend    = "message.send"
	ActionMessageWrite   = "message.write"
	ActionEventSubscribe = "events.subscribe"
	ActionContactWrite   = "contact.write"
	ActionSettingsWrite  = "settings.write"
)

// Input is the document the policy is evaluated against.
type Input struct {
	Action               string
	CallerUserID         string
	CallerOrganizationID string
	CallerRole           string
	ResourceOrganization string
}

func (in Input) document() map[string]interface{} {
	return map[string]interface{}{
		"action": in.Action,
		"caller": map[string]interface{}{
			"user_id":         in.CallerUserID,
			"organization_id": in.CallerOrganizationID,
			"role":            in.CallerRole,
		},
		"resource": map[string]interface{}{
			"organization_id": in.ResourceOrganization,
		},
	}
}

// Engine is a prepared authorization query.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares policyContent. An empty policy selects DefaultPolicy.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	if policyContent == "" {
		policyContent = DefaultPolicy
	}
	r := rego.New(
		rego.Query("data.switchboard.authz.allow"),
		rego.Module("authz.rego", policyContent),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Allowed evaluates the policy. Undefined results deny.
func (e *Engine) Allowed(ctx context.Context, in Input) (bool, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in.document()))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// DefaultPolicy lets the system caller do anything and confines everyone
// else to their own organization. Viewers only read.
const DefaultPolicy = `
package switchboard.authz

import rego.v1

default allow := false

read_actions := {"session.read", "message.read", "events.subscribe"}

allow if input.caller.role == "system"

allow if {
	same_org
	input.caller.role != "viewer"
}

allow if {
	same_org
	input.caller.role == "viewer"
	input.action in read_actions
}

same_org if {
	input.caller.organization_id != ""
	input.caller.organization_id == input.resource.organization_id
}
`
