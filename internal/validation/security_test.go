package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateArgument(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		wantErr bool
	}{
		{
			name:    "valid argument",
			arg:     "build",
			wantErr: false,
		},
		{
			name:    "flag with path",
			arg:     "--outDir=./dist/app",
			wantErr: false,
		},
		{
			name:    "absolute path",
			arg:     "/usr/local/bin/node",
			wantErr: false,
		},
		{
			name:    "command injection semicolon",
			arg:     "build; rm -rf /",
			wantErr: true,
		},
		{
			name:    "command injection pipe",
			arg:     "build | cat /etc/passwd",
			wantErr: true,
		},
		{
			name:    "command injection backtick",
			arg:     "build`whoami`",
			wantErr: true,
		},
		{
			name:    "dangerous shell characters",
			arg:     "file$(whoami).txt",
			wantErr: true,
		},
		{
			name:    "embedded newline",
			arg:     "build\nrm",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgument(tt.arg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateArgument() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCommandLine(t *testing.T) {
	assert.NoError(t, ValidateCommandLine([]string{"npm", "run", "build"}))
	assert.ErrorContains(t, ValidateCommandLine(nil), "empty")
	assert.ErrorContains(t, ValidateCommandLine([]string{"  "}), "empty")
	assert.ErrorContains(t, ValidateCommandLine([]string{"npm;", "x"}), "invalid command")
	assert.ErrorContains(t, ValidateCommandLine([]string{"npm", "a&&b"}), "invalid argument")
}

func TestSplitCommandLine(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"npm run build", []string{"npm", "run", "build"}},
		{"  go   run ./cmd/site  ", []string{"go", "run", "./cmd/site"}},
		{`node build.js --title "My Site"`, []string{"node", "build.js", "--title", "My Site"}},
		{`echo 'a "b" c'`, []string{"echo", `a "b" c`}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{`echo ""`, []string{"echo", ""}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := SplitCommandLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := SplitCommandLine(`echo "open`)
	assert.ErrorContains(t, err, "unterminated")
	_, err = SplitCommandLine(`echo \`)
	assert.ErrorContains(t, err, "trailing backslash")
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative", "dist/browser", false},
		{"absolute", "/srv/site/dist", false},
		{"dotted name", "dist..old", false},
		{"empty", "", true},
		{"traversal", "../outside", true},
		{"nested traversal", "dist/../../outside", true},
		{"dangerous", "dist;rm", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidateOrigin(t *testing.T) {
	allowedOrigins := []string{
		"http://localhost:3000",
		"127.0.0.1:3000",
		"https://example.com",
	}

	tests := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{"allowed localhost origin", "http://localhost:3000", false},
		{"allowed by host", "http://127.0.0.1:3000", false},
		{"allowed https origin", "https://example.com", false},
		{"empty origin", "", true},
		{"disallowed origin", "http://malicious.com", true},
		{"javascript protocol", "javascript:alert('xss')", true},
		{"file protocol", "file:///etc/passwd", true},
		{"malformed origin", "not-a-url", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOrigin(tt.origin, allowedOrigins)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOrigin() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
