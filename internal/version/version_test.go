package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormattedBuildTime(t *testing.T) {
	b := Build{BuildTime: "2025-03-04T05:06:07Z"}
	assert.Equal(t, "Tue Mar 4 05:06:07 2025", b.FormattedBuildTime())

	b.BuildTime = "unknown"
	assert.Equal(t, "unknown", b.FormattedBuildTime())
}

func TestFlashVersion(t *testing.T) {
	assert.True(t, strings.HasPrefix(FlashVersion(), "FMLE/3.0 "))
	assert.Contains(t, FlashVersion(), Version)
}
