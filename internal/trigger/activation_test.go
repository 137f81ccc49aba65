package trigger

import (
	"os"
	"strconv"
	"testing"
)

func TestActivatedListener_NoEnvironment(t *testing.T) {
	t.Setenv(listenPIDEnv, "")
	t.Setenv(listenFDsEnv, "")

	listener, err := activatedListener()
	if err != nil {
		t.Fatalf("activatedListener() unexpected error: %v", err)
	}
	if listener != nil {
		t.Errorf("expected nil listener when no env vars set, got %v", listener)
	}
}

func TestActivatedListener(t *testing.T) {
	self := strconv.Itoa(os.Getpid())

	tests := []struct {
		name    string
		pid     string
		fds     string
		wantErr bool
	}{
		{"other process", "99999999", "1", false},
		{"no fds", self, "", false},
		{"zero fds", self, "0", false},
		{"invalid pid", "not-a-number", "1", true},
		{"invalid fds", self, "many", true},
		{"too many fds", self, "2", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(listenPIDEnv, tt.pid)
			t.Setenv(listenFDsEnv, tt.fds)

			listener, err := activatedListener()
			if (err != nil) != tt.wantErr {
				t.Fatalf("activatedListener() error = %v, wantErr %v", err, tt.wantErr)
			}
			if listener != nil {
				t.Errorf("expected nil listener, got %v", listener)
			}
		})
	}
}
