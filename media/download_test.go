package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseProgress(t *testing.T) {
	cases := []struct {
		line string
		want int
		ok   bool
	}{
		{"[download]  42.3% of 120.5MiB at 2.1MiB/s", 42, true},
		{"[download] 100% of 120.5MiB in 00:58", 100, true},
		{"[download] Destination: downloads/x.mp4", 0, false},
		{"[info] Downloading video thumbnail", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseProgress(tc.line)
		assert.Equal(t, tc.ok, ok, "line %q", tc.line)
		assert.Equal(t, tc.want, got, "line %q", tc.line)
	}
}

func TestHeightFor(t *testing.T) {
	assert.Equal(t, "720", heightFor("720p"))
	assert.Equal(t, "720", heightFor("HD"))
	assert.Equal(t, "2160", heightFor("4k"))
	assert.Equal(t, "1080", heightFor("director's cut"))
}

func TestLastOutputLine(t *testing.T) {
	assert.Equal(t, "frame written", lastOutputLine([]byte("opening input\nframe written\n")))
	assert.Equal(t, "", lastOutputLine(nil))
}
