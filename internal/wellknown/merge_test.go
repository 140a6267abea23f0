package wellknown

import "testing"

func TestMergeURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		ref  string
		want string
	}{
		{"bare host", "https://idp.example", AuthServerMetadataPath, "https://idp.example/.well-known/oauth-authorization-server"},
		{"root slash", "https://idp.example/", AuthServerMetadataPath, "https://idp.example/.well-known/oauth-authorization-server"},
		{"path prefix", "https://idp.example/tenant", AuthServerMetadataPath, "https://idp.example/tenant/.well-known/oauth-authorization-server"},
		{"path prefix trailing slash", "https://idp.example/tenant/", AuthServerMetadataPath, "https://idp.example/tenant/.well-known/oauth-authorization-server"},
		{"port kept", "http://localhost:8080/auth//", AuthServerMetadataPath, "http://localhost:8080/auth/.well-known/oauth-authorization-server"},
		{"absolute ref host ignored", "https://idp.example/t", "http://evil.example:99/x", "https://idp.example/t/x"},
		{"relative ref", "https://idp.example/t", "userinfo", "https://idp.example/t/userinfo"},
		{"query kept", "https://idp.example", "/x?a=b", "https://idp.example/x?a=b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MergeURL(tt.base, tt.ref)
			if err != nil {
				t.Fatalf("MergeURL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("unexpected URL: want %q got %q", tt.want, got)
			}
		})
	}
}

func TestMergeURL_RequiresAbsoluteBase(t *testing.T) {
	if _, err := MergeURL("/relative", AuthServerMetadataPath); err == nil {
		t.Fatalf("expected error for relative base")
	}
}
