package policy

import "testing"

func testPolicy() *Policy {
	return &Policy{
		GroupID:          "g1",
		SafeChannels:     map[string]struct{}{"c-safe": {}},
		SafeUsers:        map[string]struct{}{"u-safe": {}},
		ModeratorRoleIDs: map[string]struct{}{"r-mod": {}, "r-admin": {}},
		AutoRouteEnabled: true,
	}
}

func TestIsSafeChannel(t *testing.T) {
	p := testPolicy()
	if !p.IsSafeChannel("c-safe") {
		t.Error("c-safe not flagged safe")
	}
	if p.IsSafeChannel("c-other") {
		t.Error("c-other flagged safe")
	}
}

func TestIsSafeUser(t *testing.T) {
	p := testPolicy()
	if !p.IsSafeUser("u-safe") {
		t.Error("u-safe not flagged safe")
	}
	if p.IsSafeUser("u-other") {
		t.Error("u-other flagged safe")
	}
}

func TestIsModerator(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		name  string
		roles []string
		want  bool
	}{
		{"no roles", nil, false},
		{"unrelated roles", []string{"r-member", "r-vip"}, false},
		{"mod role", []string{"r-member", "r-mod"}, true},
		{"admin role only", []string{"r-admin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.IsModerator(tt.roles); got != tt.want {
				t.Errorf("IsModerator(%v) = %v, want %v", tt.roles, got, tt.want)
			}
		})
	}
}
