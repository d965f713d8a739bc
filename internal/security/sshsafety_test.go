package security

import (
	"path/filepath"
	"testing"
)

func TestValidateIdentityFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"empty path", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentityFile(tt.path)
			if tt.wantErr && err == nil {
				t.Errorf("ValidateIdentityFile(%q) = nil, want error", tt.path)
			}
		})
	}
}

func TestValidateIdentityFile_UnderSSHDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	ok := filepath.Join(home, ".ssh", "id_ed25519")
	if err := ValidateIdentityFile(ok); err != nil {
		t.Errorf("expected no error for %q, got %v", ok, err)
	}
}

func TestValidateIdentityFile_OutsideSSHDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	bad := filepath.Join(home, "Documents", "key")
	if err := ValidateIdentityFile(bad); err == nil {
		t.Error("expected error for identity file outside ~/.ssh")
	}
}
