package bench

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		prefix  string
		want    Target
		wantErr bool
	}{
		{
			name:  "pull request url",
			input: "https://github.com/org/repo/pull/42",
			want:  Target{Input: "https://github.com/org/repo/pull/42", Image: "sweperf/sweperf_annotate:org__repo-42", InstanceID: "org__repo-42"},
		},
		{
			name:  "pull request url with trailing path",
			input: " https://github.com/astropy/astropy/pull/13477/files ",
			want:  Target{Input: "https://github.com/astropy/astropy/pull/13477/files", Image: "sweperf/sweperf_annotate:astropy__astropy-13477", InstanceID: "astropy__astropy-13477"},
		},
		{
			name:   "custom prefix",
			input:  "https://github.com/org/repo/pull/1",
			prefix: "registry.local/bench",
			want:   Target{Input: "https://github.com/org/repo/pull/1", Image: "registry.local/bench:org__repo-1", InstanceID: "org__repo-1"},
		},
		{
			name:  "full image reference",
			input: "sweperf/sweperf_annotate:pandas-dev__pandas-50001",
			want:  Target{Input: "sweperf/sweperf_annotate:pandas-dev__pandas-50001", Image: "sweperf/sweperf_annotate:pandas-dev__pandas-50001", InstanceID: "pandas-dev__pandas-50001", IsDirectImage: true},
		},
		{
			name:  "image without instance tag",
			input: "python:3.11",
			want:  Target{Input: "python:3.11", Image: "python:3.11", IsDirectImage: true},
		},
		{
			name:  "bare instance id",
			input: "org__repo-42",
			want:  Target{Input: "org__repo-42", Image: "sweperf/sweperf_annotate:org__repo-42", InstanceID: "org__repo-42", IsDirectImage: true},
		},
		{name: "non matching url", input: "https://github.com/org/repo/issues/42", wantErr: true},
		{name: "http but not github", input: "http://example.com/org/repo/pull/1", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "flag injection", input: "--privileged", wantErr: true},
		{name: "whitespace in image", input: "img:tag extra", wantErr: true},
		{name: "dangling colon", input: "img:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeTarget(tt.input, tt.prefix)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInstanceFromURL(t *testing.T) {
	id, err := InstanceFromURL("https://github.com/org/repo/pull/42")
	require.NoError(t, err)
	assert.Equal(t, "org__repo-42", id)

	_, err = InstanceFromURL("https://github.com/org/repo")
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "pr_url", ve.Field)
}
