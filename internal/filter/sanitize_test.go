package filter

import "testing"

func TestRedactNested(t *testing.T) {
	r := New(nil, RedactConfig{
		Fields:      []string{"password", "token", "secret"},
		Replacement: "***REDACTED***",
	})
	props := map[string]any{
		"user":  map[string]any{"Password": "p", "profile": map[string]any{"token": "t", "age": 30}},
		"items": []any{map[string]any{"secret": "s1"}, map[string]any{"name": "n"}},
		"token": "top",
		"note":  "keep",
	}

	out := r.Redact(props)
	user := out["user"].(map[string]any)
	if user["Password"] != "***REDACTED***" {
		t.Fatalf("expected nested password redacted, got %v", user["Password"])
	}
	profile := user["profile"].(map[string]any)
	if profile["token"] != "***REDACTED***" || profile["age"] != 30 {
		t.Fatalf("unexpected profile %v", profile)
	}
	items := out["items"].([]any)
	if items[0].(map[string]any)["secret"] != "***REDACTED***" {
		t.Fatalf("expected secret in slice redacted")
	}
	if items[1].(map[string]any)["name"] != "n" {
		t.Fatalf("expected name unchanged")
	}
	if out["token"] != "***REDACTED***" || out["note"] != "keep" {
		t.Fatalf("unexpected top level %v", out)
	}
}

func TestRedactDoesNotModifyInput(t *testing.T) {
	r := New(nil, RedactConfig{Fields: []string{"token"}, Replacement: "x"})
	inner := map[string]any{"token": "t"}
	props := map[string]any{"nested": inner}
	_ = r.Redact(props)
	if inner["token"] != "t" {
		t.Fatal("input map was modified")
	}
	if r.Redact(nil) != nil {
		t.Fatal("nil props should stay nil")
	}
}
