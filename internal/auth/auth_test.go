package auth

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestValidateRunner(t *testing.T) {
	v := NewValidator(map[string]string{"R1": "s3cret"}, testSecret)

	if !v.ValidateRunner("R1", "s3cret") {
		t.Error("valid credentials rejected")
	}
	if v.ValidateRunner("R1", "wrong") {
		t.Error("wrong secret accepted")
	}
	if v.ValidateRunner("R2", "s3cret") {
		t.Error("unknown runner accepted")
	}
	if v.ValidateRunner("R1", "") {
		t.Error("empty secret accepted")
	}
}

func TestAppTokenRoundTrip(t *testing.T) {
	v := NewValidator(nil, testSecret)

	token, exp, err := IssueAppToken(testSecret, "user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueAppToken: %v", err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Errorf("exp = %v, want about an hour out", exp)
	}

	claims, err := v.ValidateAppToken(token)
	if err != nil {
		t.Fatalf("ValidateAppToken: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Subject = %q, want user-1", claims.Subject)
	}
}

func TestAppTokenRejections(t *testing.T) {
	v := NewValidator(nil, testSecret)

	expired, _, err := IssueAppToken(testSecret, "user-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueAppToken: %v", err)
	}
	if _, err := v.ValidateAppToken(expired); err == nil {
		t.Error("expired token accepted")
	}

	other, _, err := IssueAppToken([]byte("another-secret-another-secret-ab"), "user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueAppToken: %v", err)
	}
	if _, err := v.ValidateAppToken(other); err == nil {
		t.Error("token signed with a different secret accepted")
	}

	if _, err := v.ValidateAppToken("not.a.jwt"); err == nil {
		t.Error("garbage token accepted")
	}
}

func TestSetRunnersReportsRemoved(t *testing.T) {
	v := NewValidator(map[string]string{"R1": "a", "R2": "b"}, testSecret)

	removed := v.SetRunners(map[string]string{"R2": "b2", "R3": "c"})
	sort.Strings(removed)
	if len(removed) != 1 || removed[0] != "R1" {
		t.Errorf("removed = %v, want [R1]", removed)
	}

	if v.ValidateRunner("R1", "a") {
		t.Error("removed runner still accepted")
	}
	if v.ValidateRunner("R2", "b") {
		t.Error("stale secret still accepted")
	}
	if !v.ValidateRunner("R2", "b2") || !v.ValidateRunner("R3", "c") {
		t.Error("updated credentials rejected")
	}
}

func TestWatchCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runners.yaml")
	if err := os.WriteFile(path, []byte("R1: old\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan map[string]string, 1)
	if err := WatchCredentials(ctx, path, func(m map[string]string) {
		changes <- m
	}); err != nil {
		t.Fatalf("WatchCredentials: %v", err)
	}

	if err := os.WriteFile(path, []byte("R1: new\nR2: added\n"), 0600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case m := <-changes:
		if m["R1"] != "new" || m["R2"] != "added" {
			t.Errorf("reloaded = %v, want updated mapping", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
