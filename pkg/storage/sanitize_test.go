package storage

import "testing"

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{
			name: "already safe",
			key:  "session_abc.123-x",
			want: "session_abc.123-x",
		},
		{
			name: "channel key with colon",
			key:  "telegram:12345",
			want: "telegram_12345",
		},
		{
			name: "slashes and spaces",
			key:  "a/b c",
			want: "a_b_c",
		},
		{
			name: "unicode",
			key:  "héllo",
			want: "h__llo",
		},
		{
			name: "empty",
			key:  "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeKey(tt.key)
			if got != tt.want {
				t.Errorf("SanitizeKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestSanitizeSecretKeyKeepsSlashes(t *testing.T) {
	got := sanitizeSecretKey("provider/token:v2")
	want := "provider/token_v2"
	if got != want {
		t.Errorf("sanitizeSecretKey = %q, want %q", got, want)
	}
}
