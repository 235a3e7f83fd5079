package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionCarriesFlag(t *testing.T) {
	assert.True(t, strings.HasPrefix(Version, "0.1.0"))
	if Flag != "" {
		assert.True(t, strings.HasSuffix(Version, "-"+Flag) || strings.Contains(Version, "-"+Flag+"-"))
	}
}
