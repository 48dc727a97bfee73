package smtptest

import (
	"testing"
)

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "user", password: "pass", want: true},
		{name: "empty username", username: "", password: "pass", want: false},
		{name: "empty password", username: "user", password: "", want: false},
		{name: "both empty", username: "", password: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			auth := NewAuthenticator(tt.username, tt.password)
			if got := auth.Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticator_Verify(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	if err := auth.Verify("testuser", "testpass"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := auth.Verify("testuser", "wrongpass"); err == nil {
		t.Error("expected error for wrong password, got nil")
	}
	if err := auth.Verify("wronguser", "testpass"); err == nil {
		t.Error("expected error for wrong username, got nil")
	}
}

func TestLoginServer_ChallengeResponse(t *testing.T) {
	t.Parallel()

	srv := NewAuthenticator("testuser", "testpass").LoginServer()

	challenge, done, err := srv.Next(nil)
	if err != nil || done {
		t.Fatalf("first step: done=%v err=%v", done, err)
	}
	if string(challenge) != "Username:" {
		t.Errorf("first challenge: got %q, want %q", challenge, "Username:")
	}

	challenge, done, err = srv.Next([]byte("testuser"))
	if err != nil || done {
		t.Fatalf("second step: done=%v err=%v", done, err)
	}
	if string(challenge) != "Password:" {
		t.Errorf("second challenge: got %q, want %q", challenge, "Password:")
	}

	_, done, err = srv.Next([]byte("testpass"))
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !done {
		t.Error("expected exchange to be done")
	}

	if _, _, err := srv.Next([]byte("extra")); err == nil {
		t.Error("expected error after completion, got nil")
	}
}

func TestLoginServer_InitialResponse(t *testing.T) {
	t.Parallel()

	srv := NewAuthenticator("testuser", "testpass").LoginServer()

	challenge, done, err := srv.Next([]byte("testuser"))
	if err != nil || done {
		t.Fatalf("first step: done=%v err=%v", done, err)
	}
	if string(challenge) != "Password:" {
		t.Errorf("challenge: got %q, want %q", challenge, "Password:")
	}

	if _, _, err := srv.Next([]byte("wrongpass")); err == nil {
		t.Error("expected error for wrong password, got nil")
	}
}
