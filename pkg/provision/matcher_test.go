package provision

import "testing"

func TestCoversApplicationIdentifierWildcard(t *testing.T) {
	if !Covers(Entitlements{"application-identifier": "TEAM1.com.foo"}, Entitlements{"application-identifier": "TEAM1.*"}) {
		t.Error("TEAM1.* should cover TEAM1.com.foo")
	}
	if Covers(Entitlements{"application-identifier": "TEAM1.*"}, Entitlements{"application-identifier": "TEAM1.com.foo"}) {
		t.Error("TEAM1.com.foo should not cover TEAM1.*")
	}
	if !Covers(Entitlements{"application-identifier": "TEAM1"}, Entitlements{"application-identifier": "TEAM1.*"}) {
		t.Error("TEAM1.* should cover TEAM1")
	}
	if Covers(Entitlements{"application-identifier": "TEAM2.com.foo"}, Entitlements{"application-identifier": "TEAM1.*"}) {
		t.Error("TEAM1.* should not cover another team")
	}
	if Covers(Entitlements{"com.apple.application-identifier": "TEAM1.com.foo"}, Entitlements{"com.apple.application-identifier": "TEAM1.com.bar"}) {
		t.Error("different identifiers without wildcard should not match")
	}
	if !Covers(Entitlements{"com.apple.application-identifier": "TEAM1.com.foo"}, Entitlements{"com.apple.application-identifier": "TEAM1.*"}) {
		t.Error("macOS app id key should use wildcard coverage")
	}
}

func TestCoversKeychainGroups(t *testing.T) {
	provisioned := Entitlements{"keychain-access-groups": []interface{}{"TEAM1.*"}}

	if !Covers(Entitlements{"keychain-access-groups": []interface{}{"TEAM1.a", "TEAM1.b"}}, provisioned) {
		t.Error("TEAM1.* should cover TEAM1.a and TEAM1.b")
	}
	if Covers(Entitlements{"keychain-access-groups": []interface{}{"TEAM1.a", "TEAM2.b"}}, provisioned) {
		t.Error("TEAM1.* should not cover TEAM2.b")
	}

	exact := Entitlements{"keychain-access-groups": []interface{}{"TEAM1.z", "TEAM1.a", "TEAM1.shared"}}
	if !Covers(Entitlements{"keychain-access-groups": []string{"TEAM1.shared", "TEAM1.a"}}, exact) {
		t.Error("subset of exact groups in any order should be covered")
	}
}

func TestCoversStructuralEquality(t *testing.T) {
	tests := []struct {
		name        string
		required    Entitlements
		provisioned Entitlements
		want        bool
	}{
		{
			name:        "missing key",
			required:    Entitlements{"get-task-allow": true},
			provisioned: Entitlements{},
			want:        false,
		},
		{
			name:        "extra provisioned keys",
			required:    Entitlements{"get-task-allow": true},
			provisioned: Entitlements{"get-task-allow": true, "aps-environment": "development"},
			want:        true,
		},
		{
			name:        "bool mismatch",
			required:    Entitlements{"get-task-allow": true},
			provisioned: Entitlements{"get-task-allow": false},
			want:        false,
		},
		{
			name:        "string arrays ignore order",
			required:    Entitlements{"com.apple.developer.associated-domains": []interface{}{"applinks:a", "applinks:b"}},
			provisioned: Entitlements{"com.apple.developer.associated-domains": []interface{}{"applinks:b", "applinks:a"}},
			want:        true,
		},
		{
			name:        "string arrays compare as multisets",
			required:    Entitlements{"k": []interface{}{"a", "a"}},
			provisioned: Entitlements{"k": []interface{}{"a", "b"}},
			want:        false,
		},
		{
			name:        "mixed arrays are positional",
			required:    Entitlements{"k": []interface{}{"a", true}},
			provisioned: Entitlements{"k": []interface{}{true, "a"}},
			want:        false,
		},
		{
			name:        "nested maps",
			required:    Entitlements{"k": map[string]interface{}{"x": []interface{}{uint64(1)}}},
			provisioned: Entitlements{"k": map[string]interface{}{"x": []interface{}{int64(1)}}},
			want:        true,
		},
		{
			name:        "nested maps need the same keys",
			required:    Entitlements{"k": map[string]interface{}{"x": "1"}},
			provisioned: Entitlements{"k": map[string]interface{}{"x": "1", "y": "2"}},
			want:        false,
		},
		{
			name:        "empty required",
			required:    Entitlements{},
			provisioned: Entitlements{"anything": "here"},
			want:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Covers(tt.required, tt.provisioned); got != tt.want {
				t.Errorf("Covers() = %v, want %v", got, tt.want)
			}
		})
	}
}
