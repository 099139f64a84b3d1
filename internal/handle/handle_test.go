package handle

import (
	"context"
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		handle  string
		wantErr error
	}{
		{"valid simple", "alice.1440.news", nil},
		{"valid single char segment", "a.b.co", nil},
		{"too long", string(make([]byte, 254)) + ".co", ErrInvalid},
		{"single segment", "alice", ErrInvalid},
		{"empty segment", "alice..news", ErrInvalid},
		{"segment too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.news", ErrInvalid},
		{"leading dash", "-alice.news", ErrInvalid},
		{"trailing dash", "alice-.news", ErrInvalid},
		{"underscore not allowed", "ali_ce.news", ErrInvalid},
		{"reserved leading segment", "admin.1440.news", ErrReserved},
		{"reserved case-insensitive", "ADMIN.1440.news", ErrReserved},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.handle)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate(%q) = %v, want nil", tc.handle, err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Validate(%q) = %v, want wrapping %v", tc.handle, err, tc.wantErr)
			}
		})
	}
}

func TestGenerateBase(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"Alice Smith", "alice-smith"},
		{"", "user"},
		{"---", "user"},
		{"a!!!b", "a-b"},
		{"Under_Score", "under-score"},
		{"this-is-a-very-long-raw-username-indeed", "this-is-a-very-long"},
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got := GenerateBase(tc.raw)
			if got != tc.want {
				t.Fatalf("GenerateBase(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestAllocate(t *testing.T) {
	taken := map[string]bool{
		"alice.1440.news":  true,
		"alice1.1440.news": true,
	}
	exists := func(_ context.Context, h string) (bool, error) {
		return taken[h], nil
	}

	got, err := Allocate(context.Background(), "alice", "1440.news", exists)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got != "alice2.1440.news" {
		t.Fatalf("Allocate = %q, want alice2.1440.news", got)
	}
}

func TestAllocateFree(t *testing.T) {
	exists := func(_ context.Context, h string) (bool, error) { return false, nil }

	got, err := Allocate(context.Background(), "bob", "1440.news", exists)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got != "bob.1440.news" {
		t.Fatalf("Allocate = %q, want bob.1440.news", got)
	}
}

func TestAllocateExhausted(t *testing.T) {
	exists := func(_ context.Context, h string) (bool, error) { return true, nil }

	_, err := Allocate(context.Background(), "carol", "1440.news", exists)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Allocate error = %v, want ErrExhausted", err)
	}
}

func TestResolveViaDNSUnimplemented(t *testing.T) {
	did, ok := ResolveViaDNS(context.Background(), "alice.1440.news")
	if ok || did != "" {
		t.Fatalf("ResolveViaDNS = (%q, %v), want (\"\", false)", did, ok)
	}
}
