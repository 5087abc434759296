package crew

import (
	"testing"
)

func TestParseToolCall(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantName string
		wantNil  bool
		wantErr  bool
	}{
		{
			name:    "plain answer",
			text:    "The refactor is complete.",
			wantNil: true,
		},
		{
			name:     "valid call",
			text:     "Let me check.\n```tool\n{\"tool\": \"read_file\", \"input\": {\"path\": \"main.go\"}}\n```",
			wantName: "read_file",
		},
		{
			name:    "unterminated block",
			text:    "```tool\n{\"tool\": \"read_file\"}",
			wantErr: true,
		},
		{
			name:    "invalid json",
			text:    "```tool\nnot json\n```",
			wantErr: true,
		},
		{
			name:    "missing tool name",
			text:    "```tool\n{\"input\": {}}\n```",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := parseToolCall(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseToolCall: %v", err)
			}
			if tt.wantNil {
				if call != nil {
					t.Fatalf("call = %+v, want nil", call)
				}
				return
			}
			if call == nil || call.Name != tt.wantName {
				t.Errorf("call = %+v, want name %s", call, tt.wantName)
			}
		})
	}
}

func TestToolPermitted(t *testing.T) {
	tests := []struct {
		name     string
		call     string
		allowed  []string
		readOnly bool
		wantErr  bool
	}{
		{"open set", "read_file", nil, false, false},
		{"in allowed set", "read_file", []string{"read_file", "search_files"}, false, false},
		{"not in allowed set", "run_command", []string{"read_file"}, false, true},
		{"mutating denied read-only", "write_file", nil, true, true},
		{"read tool ok read-only", "read_file", nil, true, false},
		{"mutating allowed read-write", "write_file", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := toolPermitted(&ToolCall{Name: tt.call}, tt.allowed, tt.readOnly)
			if (err != nil) != tt.wantErr {
				t.Errorf("toolPermitted error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
