package provision

import (
	"bytes"
	"reflect"
	"sort"
	"strings"
	"time"
)

var applicationIdentifierKeys = map[string]bool{
	"application-identifier":           true,
	"com.apple.application-identifier": true,
}

const keychainAccessGroupsKey = "keychain-access-groups"

// Covers reports whether every entitlement in required is granted by
// provisioned.
//
// Values are compared structurally. Application identifiers accept a
// "TEAM.*" wildcard in the provisioned value, and keychain access groups are
// covered element by element, each required group by any provisioned group.
func Covers(required, provisioned Entitlements) bool {
	for key, want := range required {
		have, ok := provisioned[key]
		if !ok {
			return false
		}
		var covered bool
		switch {
		case applicationIdentifierKeys[key]:
			covered = appIDCovers(want, have)
		case key == keychainAccessGroupsKey:
			covered = groupsCovered(want, have)
		default:
			covered = valuesEqual(want, have)
		}
		if !covered {
			return false
		}
	}
	return true
}

func appIDCovers(want, have interface{}) bool {
	w, wok := want.(string)
	h, hok := have.(string)
	if !wok || !hok {
		return valuesEqual(want, have)
	}
	return wildcardCovers(h, w)
}

// wildcardCovers reports whether pattern grants value. "TEAM.*" grants
// "TEAM" and anything under "TEAM.".
func wildcardCovers(pattern, value string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return value == prefix || strings.HasPrefix(value, prefix+".")
	}
	return pattern == value
}

func groupsCovered(want, have interface{}) bool {
	wants, ok := stringSlice(want)
	if !ok {
		return valuesEqual(want, have)
	}
	haves, ok := stringSlice(have)
	if !ok {
		return false
	}
	for _, w := range wants {
		found := false
		for _, h := range haves {
			if wildcardCovers(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	if am, ok := asMap(a); ok {
		bm, ok := asMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	}

	if as, ok := stringSlice(a); ok {
		bs, ok := stringSlice(b)
		if !ok {
			return false
		}
		return sameMultiset(as, bs)
	}

	if al, ok := asSlice(a); ok {
		bl, ok := asSlice(b)
		if !ok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !valuesEqual(al[i], bl[i]) {
				return false
			}
		}
		return true
	}

	if an, ok := asNumber(a); ok {
		bn, ok := asNumber(b)
		return ok && an == bn
	}

	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	return reflect.DeepEqual(a, b)
}

func sameMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Entitlements:
		return m, true
	}
	return nil, false
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	}
	return nil, false
}

// stringSlice returns v as strings if it is an array made only of strings.
// An empty array counts as a string array.
func stringSlice(v interface{}) ([]string, bool) {
	if s, ok := v.([]string); ok {
		return s, true
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// asNumber folds plist integer and real representations together.
func asNumber(v interface{}) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
