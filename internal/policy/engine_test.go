package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, "")
	require.NoError(t, err)

	cases := []struct {
		name  string
		input Input
		want  bool
	}{
		{"system bypasses org", Input{Action: ActionMessageSend, CallerRole: "system", ResourceOrganization: "org-1"}, true},
		{"member same org", Input{Action: ActionMessageSend, CallerOrganizationID: "org-1", CallerRole: "agent", ResourceOrganization: "org-1"}, true},
		{"member other org", Input{Action: ActionSessionRead, CallerOrganizationID: "org-2", CallerRole: "admin", ResourceOrganization: "org-1"}, false},
		{"viewer reads", Input{Action: ActionMessageRead, CallerOrganizationID: "org-1", CallerRole: "viewer", ResourceOrganization: "org-1"}, true},
		{"viewer cannot send", Input{Action: ActionMessageSend, CallerOrganizationID: "org-1", CallerRole: "viewer", ResourceOrganization: "org-1"}, false},
		{"anonymous", Input{Action: ActionSessionRead, ResourceOrganization: ""}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.Allowed(ctx, tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCustomPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, "package switchboard.authz\n\nimport rego.v1\n\nallow if input.action == \"session.read\"\n")
	require.NoError(t, err)

	ok, err := engine.Allowed(ctx, Input{Action: ActionSessionRead})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.Allowed(ctx, Input{Action: ActionSessionWrite})
	require.NoError(t, err)
	assert.False(t, ok, "undefined result must deny")
}

func TestInvalidPolicy(t *testing.T) {
	if _, err := NewEngine(context.Background(), "package"); err == nil {
		t.Fatalf("expected parse error")
	}
}
