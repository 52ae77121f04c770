package modelinfo

import "testing"

func TestProvisional(t *testing.T) {
	cases := []struct {
		name string
		info Info
		want bool
	}{
		{"default source", Info{Source: "default"}, true},
		{"loading state", Info{Source: "lmstudio.max_context_length", State: "loading", HasMax: true}, true},
		{"missing loaded", Info{Source: "lmstudio.max_context_length", HasMax: true}, true},
		{"loaded and ready", Info{Source: "lmstudio.loaded_context_length", State: "loaded", HasLoaded: true, LoadedContextLength: 4096}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.info.Provisional(); got != tc.want {
				t.Errorf("Provisional() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveWindow(t *testing.T) {
	loaded := Info{HasLoaded: true, LoadedContextLength: 2048, HasMax: true, MaxContextLength: 32768}
	if got := loaded.ResolveWindow(4096); got != 2048 {
		t.Errorf("ResolveWindow() = %d, want 2048", got)
	}

	maxOnly := Info{HasMax: true, MaxContextLength: 32768}
	if got := maxOnly.ResolveWindow(4096); got != 32768 {
		t.Errorf("ResolveWindow() = %d, want 32768", got)
	}

	none := Info{}
	if got := none.ResolveWindow(4096); got != 4096 {
		t.Errorf("ResolveWindow() = %d, want 4096", got)
	}
}
