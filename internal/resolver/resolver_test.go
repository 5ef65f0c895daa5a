package resolver

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestResolve_StringSentinel(t *testing.T) {
	tests := []struct {
		name    string
		params  string
		deps    map[string]DepResult
		want    string
		wantErr error
	}{
		{
			name:   "generic sentinel resolves to first output url",
			params: `{"image": "_jobDependency:a"}`,
			deps:   map[string]DepResult{"a": {Outputs: []MediaOutput{{Type: "image", URL: "https://cdn/x.png"}}}},
			want:   `{"image":"https://cdn/x.png"}`,
		},
		{
			name:   "legacy url shape",
			params: `{"image": "_jobDependency:a"}`,
			deps:   map[string]DepResult{"a": {URL: "https://cdn/legacy.png"}},
			want:   `{"image":"https://cdn/legacy.png"}`,
		},
		{
			name:   "typed sentinel matches outputs[0] type",
			params: `{"video": "_videoJobDependency:a"}`,
			deps:   map[string]DepResult{"a": {Outputs: []MediaOutput{{Type: "video", URL: "https://cdn/v.mp4"}}}},
			want:   `{"video":"https://cdn/v.mp4"}`,
		},
		{
			name:    "typed sentinel mismatched type is a shape error",
			params:  `{"video": "_videoJobDependency:a"}`,
			deps:    map[string]DepResult{"a": {Outputs: []MediaOutput{{Type: "audio", URL: "https://cdn/a.mp3"}}}},
			wantErr: ErrDependencyShape,
		},
		{
			name:    "unknown dependency id is fatal",
			params:  `{"image": "_jobDependency:missing"}`,
			deps:    map[string]DepResult{},
			wantErr: ErrDependencyMissing,
		},
		{
			name:   "non-sentinel string passes through",
			params: `{"image": "https://example.com/already-a-url.png"}`,
			deps:   map[string]DepResult{},
			want:   `{"image":"https://example.com/already-a-url.png"}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resolve(json.RawMessage(tc.params), tc.deps)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() unexpected error: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("Resolve() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestResolve_ArrayParam(t *testing.T) {
	params := json.RawMessage(`{"background": ["_imageJobDependency:a", "https://example.com/static.png"]}`)
	deps := map[string]DepResult{
		"a": {Outputs: []MediaOutput{{Type: "image", URL: "https://cdn/bg.png"}}},
	}

	got, err := Resolve(params, deps)
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}

	var out struct {
		Background []string `json:"background"`
	}
	if err := json.Unmarshal(got, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(out.Background) != 2 {
		t.Fatalf("expected 2 background elements, got %d", len(out.Background))
	}
	if out.Background[0] != "https://cdn/bg.png" {
		t.Errorf("background[0] = %s, want resolved url", out.Background[0])
	}
	if out.Background[1] != "https://example.com/static.png" {
		t.Errorf("background[1] = %s, want unchanged", out.Background[1])
	}
}

func TestResolve_ArrayParamWithURLField(t *testing.T) {
	params := json.RawMessage(`{"items": [{"url": "_videoJobDependency:a", "duration": 3}]}`)
	deps := map[string]DepResult{
		"a": {Outputs: []MediaOutput{{Type: "video", URL: "https://cdn/clip.mp4"}}},
	}

	got, err := Resolve(params, deps)
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}

	var out struct {
		Items []struct {
			URL      string  `json:"url"`
			Duration float64 `json:"duration"`
		} `json:"items"`
	}
	if err := json.Unmarshal(got, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(out.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(out.Items))
	}
	if out.Items[0].URL != "https://cdn/clip.mp4" {
		t.Errorf("items[0].url = %s, want resolved url", out.Items[0].URL)
	}
	if out.Items[0].Duration != 3 {
		t.Errorf("items[0].duration = %v, want 3 (non-url fields untouched)", out.Items[0].Duration)
	}
}
