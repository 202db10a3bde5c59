package cache

import "testing"

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "simple path",
			key:  CacheKey{App: "app.example.com", Path: "schemas"},
			want: "capture:app.example.com:schemas",
		},
		{
			name: "nested path",
			key:  CacheKey{App: "app.example.com", Path: "clients.abc123.features"},
			want: "capture:app.example.com:clients.abc123.features",
		},
		{
			name: "path with empty segments",
			key:  CacheKey{App: "app.example.com", Path: ".clients..abc123."},
			want: "capture:app.example.com:clients.abc123",
		},
		{
			name: "no path",
			key:  CacheKey{App: "app.example.com"},
			want: "capture:app.example.com",
		},
		{
			name: "no app",
			key:  CacheKey{Path: "settings"},
			want: "capture:settings",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCacheKey_Deterministic(t *testing.T) {
	key := CacheKey{App: "app", Path: "clients.abc"}
	first := key.String()
	for i := 0; i < 10; i++ {
		if key.String() != first {
			t.Fatal("String() is not deterministic")
		}
	}
}

func TestCacheKey_Child(t *testing.T) {
	root := CacheKey{App: "app"}
	clients := root.Child("clients")
	if clients.Path != "clients" {
		t.Errorf("root.Child() path = %q", clients.Path)
	}

	features := clients.Child("abc123").Child("features")
	if got := features.String(); got != "capture:app:clients.abc123.features" {
		t.Errorf("Child chain = %q", got)
	}
}

func TestCacheKey_ChildPattern(t *testing.T) {
	if got := (CacheKey{App: "app", Path: "clients"}).childPattern(); got != "capture:app:clients.*" {
		t.Errorf("childPattern() = %q", got)
	}
	if got := (CacheKey{App: "app"}).childPattern(); got != "capture:app:*" {
		t.Errorf("childPattern() for app root = %q", got)
	}
}
