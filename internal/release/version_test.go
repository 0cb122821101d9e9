package release

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1.2.3", want: "1.2.3"},
		{in: "v1.2.3\n", want: "1.2.3"},
		{in: "1.3.0-beta.1", want: "1.3.0-beta.1"},
		{in: "1.3.0+build.7", want: "1.3.0"},
		{in: "", wantErr: true},
		{in: "1.2", wantErr: true},
		{in: "1.2.3.4", wantErr: true},
		{in: "<html>", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := ParseVersion(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestVersionOrdering(t *testing.T) {
	assert.True(t, MustParseVersion("1.3.0").GreaterThan(MustParseVersion("1.2.9")))
	assert.True(t, MustParseVersion("1.10.0").GreaterThan(MustParseVersion("1.9.0")))
	assert.True(t, MustParseVersion("1.3.0").GreaterThan(MustParseVersion("1.3.0-rc.1")))
	assert.True(t, MustParseVersion("1.3.0+a").Equal(MustParseVersion("1.3.0+b")))
	assert.True(t, MustParseVersion("0.0.1").GreaterThan(Version{}))

	cmp, ok := CompareStrings("1.2.0", "1.3.0")
	assert.True(t, ok)
	assert.Equal(t, -1, cmp)

	_, ok = CompareStrings("1.2.0", "garbage")
	assert.False(t, ok)
}
