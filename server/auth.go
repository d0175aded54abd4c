package server

import "github.com/nostrmcp/bridge"

// Exclusion names a (method, name?) pair exempted from an allow-list
// (spec §4.A: "name omitted in exclusion = any name"). The same shape is
// reused by the payments middleware to match priced capabilities.
type Exclusion struct {
	Method string
	Name   string // empty matches any name
}

// AuthPolicy implements spec §4.A: an optional client pubkey allow-list,
// plus per-(method,name) exclusions that bypass it, plus the public-server
// flag governing whether denial is reported back as a JSON-RPC error or
// silently dropped.
type AuthPolicy struct {
	AllowList      map[string]struct{} // nil/empty = no allow-list (allow all)
	Exclusions     []Exclusion
	IsPublicServer bool
}

// NewAuthPolicy builds a policy from an allow-list (nil/empty means "allow
// all clients") and a set of exclusions.
func NewAuthPolicy(allowList []string, exclusions []Exclusion, isPublicServer bool) *AuthPolicy {
	p := &AuthPolicy{Exclusions: exclusions, IsPublicServer: isPublicServer}
	if len(allowList) > 0 {
		p.AllowList = make(map[string]struct{}, len(allowList))
		for _, pk := range allowList {
			p.AllowList[pk] = struct{}{}
		}
	}
	return p
}

// Decision is the outcome of evaluating a message against the policy.
type Decision struct {
	Allowed         bool
	EmitUnauthorized bool // only ever true when !Allowed
}

// Evaluate decides whether msg from clientPubKey is allowed (spec §4.A).
func (p *AuthPolicy) Evaluate(clientPubKey string, msg *bridge.Message, capabilityName string) Decision {
	if msg.Method == "initialize" || msg.Method == "notifications/initialized" {
		return Decision{Allowed: true}
	}

	if len(p.AllowList) == 0 {
		return Decision{Allowed: true}
	}

	if _, ok := p.AllowList[clientPubKey]; ok {
		return Decision{Allowed: true}
	}

	if p.matchesExclusion(msg.Method, capabilityName) {
		return Decision{Allowed: true}
	}

	emit := p.IsPublicServer && (msg.IsRequest())
	return Decision{Allowed: false, EmitUnauthorized: emit}
}

func (p *AuthPolicy) matchesExclusion(method, name string) bool {
	for _, ex := range p.Exclusions {
		if ex.Method != method {
			continue
		}
		if ex.Name == "" || ex.Name == name {
			return true
		}
	}
	return false
}
