package server

import (
	"testing"

	"github.com/nostrmcp/bridge"
	"github.com/stretchr/testify/assert"
)

func TestAuthPolicyEvaluate(t *testing.T) {
	t.Run("NoAllowListAllowsEveryone", func(t *testing.T) {
		p := NewAuthPolicy(nil, nil, false)
		d := p.Evaluate("anyone", &bridge.Message{Method: "tools/call", ID: bridge.NewRPCID("1")}, "search")
		assert.True(t, d.Allowed)
	})

	t.Run("InitializeAlwaysAllowed", func(t *testing.T) {
		p := NewAuthPolicy([]string{"allowed-pubkey"}, nil, true)
		d := p.Evaluate("stranger", &bridge.Message{Method: "initialize", ID: bridge.NewRPCID("1")}, "")
		assert.True(t, d.Allowed)
	})

	t.Run("AllowListedClientPasses", func(t *testing.T) {
		p := NewAuthPolicy([]string{"allowed-pubkey"}, nil, true)
		d := p.Evaluate("allowed-pubkey", &bridge.Message{Method: "tools/call", ID: bridge.NewRPCID("1")}, "search")
		assert.True(t, d.Allowed)
	})

	t.Run("UnlistedClientDeniedAndReportedOnPublicServer", func(t *testing.T) {
		p := NewAuthPolicy([]string{"allowed-pubkey"}, nil, true)
		d := p.Evaluate("stranger", &bridge.Message{Method: "tools/call", ID: bridge.NewRPCID("1")}, "search")
		assert.False(t, d.Allowed)
		assert.True(t, d.EmitUnauthorized)
	})

	t.Run("UnlistedClientDeniedSilentlyOnPrivateServer", func(t *testing.T) {
		p := NewAuthPolicy([]string{"allowed-pubkey"}, nil, false)
		d := p.Evaluate("stranger", &bridge.Message{Method: "tools/call", ID: bridge.NewRPCID("1")}, "search")
		assert.False(t, d.Allowed)
		assert.False(t, d.EmitUnauthorized)
	})

	t.Run("NotificationDeniedNeverReported", func(t *testing.T) {
		p := NewAuthPolicy([]string{"allowed-pubkey"}, nil, true)
		d := p.Evaluate("stranger", &bridge.Message{Method: "notifications/progress"}, "")
		assert.False(t, d.Allowed)
		assert.False(t, d.EmitUnauthorized)
	})

	t.Run("ExclusionByMethodAndNameBypassesAllowList", func(t *testing.T) {
		p := NewAuthPolicy([]string{"allowed-pubkey"}, []Exclusion{{Method: "tools/call", Name: "public_search"}}, true)
		d := p.Evaluate("stranger", &bridge.Message{Method: "tools/call", ID: bridge.NewRPCID("1")}, "public_search")
		assert.True(t, d.Allowed)
	})

	t.Run("ExclusionWithEmptyNameMatchesAnyName", func(t *testing.T) {
		p := NewAuthPolicy([]string{"allowed-pubkey"}, []Exclusion{{Method: "resources/list"}}, true)
		d := p.Evaluate("stranger", &bridge.Message{Method: "resources/list", ID: bridge.NewRPCID("1")}, "anything")
		assert.True(t, d.Allowed)
	})

	t.Run("ExclusionDoesNotMatchOtherMethods", func(t *testing.T) {
		p := NewAuthPolicy([]string{"allowed-pubkey"}, []Exclusion{{Method: "resources/list"}}, true)
		d := p.Evaluate("stranger", &bridge.Message{Method: "tools/call", ID: bridge.NewRPCID("1")}, "anything")
		assert.False(t, d.Allowed)
	})
}
