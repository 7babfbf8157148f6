package auth

import (
	"context"
	"errors"
	"testing"
)

func TestStatic(t *testing.T) {
	s := NewStatic("  tok  ")
	got, err := s.Token(context.Background())
	if err != nil || got != "tok" {
		t.Fatalf("Token() = %q, %v", got, err)
	}

	s.Set("")
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("after sign-out err = %v, want ErrNoCredential", err)
	}
}

func TestEnv(t *testing.T) {
	t.Setenv("MAGUS_TEST_TOKEN", "")
	src := Env("MAGUS_TEST_TOKEN")
	if _, err := src.Token(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}

	t.Setenv("MAGUS_TEST_TOKEN", "abc")
	if got, err := src.Token(context.Background()); err != nil || got != "abc" {
		t.Errorf("Token() = %q, %v", got, err)
	}
}

func TestFunc(t *testing.T) {
	var src CredentialSource = Func(func(context.Context) (string, error) { return "x", nil })
	if got, _ := src.Token(context.Background()); got != "x" {
		t.Errorf("Token() = %q", got)
	}
}
