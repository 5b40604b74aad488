package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComponent(t *testing.T) {
	orig := Logf
	defer func() { Logf = orig }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	logf := Component("Bridge")
	logf("state %s", "running")

	assert.Equal(t, []string{"[Bridge] state running"}, lines)
}

func TestSetLogger_Nil(t *testing.T) {
	orig := Logf
	defer func() { Logf = orig }()

	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("ignored %d", 1) })
}
