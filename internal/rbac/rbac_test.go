package rbac

import "testing"

func TestDenyByDefaultOnEmptyRuleSet(t *testing.T) {
	e := NewEngine(nil)
	if e.Validate(ResourceRef{Kind: KindTool, ID: "a:hi"}, Identity{}) {
		t.Fatalf("empty rule set must deny every access")
	}
}

func TestFirstMatchWins(t *testing.T) {
	e := NewEngine([]Rule{
		{Effect: Deny, HasKind: true, Kind: KindTool, IDPattern: "a:*"},
		{Effect: Allow, HasKind: true, Kind: KindTool, IDPattern: "a:*"},
	})
	if e.Validate(ResourceRef{Kind: KindTool, ID: "a:hi"}, Identity{}) {
		t.Fatalf("expected the first (deny) rule to win over the later allow rule")
	}
}

func TestGlobPattern(t *testing.T) {
	e := NewEngine([]Rule{
		{Effect: Allow, HasKind: true, Kind: KindTool, IDPattern: "a:*"},
	})
	if !e.Validate(ResourceRef{Kind: KindTool, ID: "a:hi"}, Identity{}) {
		t.Fatalf("expected a:hi to match glob a:*")
	}
	if e.Validate(ResourceRef{Kind: KindTool, ID: "b:hi"}, Identity{}) {
		t.Fatalf("expected b:hi to not match glob a:*")
	}
}

func TestRequiredClaim(t *testing.T) {
	e := NewEngine([]Rule{
		{Effect: Allow, RequiredClaimKey: "role", RequiredClaimValue: "admin"},
	})
	admin := Identity{JWTClaims: map[string]interface{}{"role": "admin"}}
	guest := Identity{JWTClaims: map[string]interface{}{"role": "guest"}}
	if !e.Validate(ResourceRef{Kind: KindTool, ID: "a:hi"}, admin) {
		t.Fatalf("expected admin claim to match")
	}
	if e.Validate(ResourceRef{Kind: KindTool, ID: "a:hi"}, guest) {
		t.Fatalf("expected guest claim to not match admin-only rule")
	}
}

func TestRequiredPeerIdentity(t *testing.T) {
	e := NewEngine([]Rule{
		{Effect: Allow, RequiredPeerIdentity: "10.0.0.1"},
	})
	if !e.Validate(ResourceRef{Kind: KindResource, ID: "file:///x"}, Identity{PeerIdentity: "10.0.0.1"}) {
		t.Fatalf("expected matching peer identity to allow")
	}
	if e.Validate(ResourceRef{Kind: KindResource, ID: "file:///x"}, Identity{PeerIdentity: "10.0.0.2"}) {
		t.Fatalf("expected mismatched peer identity to deny")
	}
}

func TestReloadReplacesRuleSetAtomically(t *testing.T) {
	e := NewEngine([]Rule{
		{Effect: Deny, HasKind: true, Kind: KindTool, IDPattern: "a:*"},
	})
	if e.Validate(ResourceRef{Kind: KindTool, ID: "a:hi"}, Identity{}) {
		t.Fatalf("expected the initial deny rule to apply")
	}

	e.Reload([]Rule{
		{Effect: Allow, HasKind: true, Kind: KindTool, IDPattern: "a:*"},
	})
	if !e.Validate(ResourceRef{Kind: KindTool, ID: "a:hi"}, Identity{}) {
		t.Fatalf("expected the reloaded allow rule to apply")
	}
	if len(e.Rules()) != 1 {
		t.Fatalf("expected Rules() to reflect the reloaded set, got %d rules", len(e.Rules()))
	}
}
