package telemetry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputSplitter_RoutesByLevel(t *testing.T) {
	splitter := &OutputSplitter{}

	n, err := splitter.Write([]byte(`level=info msg="channel connected"`))
	assert.NoError(t, err)
	assert.Greater(t, n, 0)

	n, err = splitter.Write([]byte(`level=error msg="poll plan failed"`))
	assert.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestOutputSplitter_DetectsErrorMarker(t *testing.T) {
	cases := []struct {
		name    string
		line    []byte
		isError bool
	}{
		{"info line", []byte(`level=info msg="ok"`), false},
		{"warn line", []byte(`level=warn msg="retrying"`), false},
		{"error line", []byte(`level=error msg="dial tcp: timeout"`), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.isError, bytes.Contains(tc.line, []byte("level=error")))
		})
	}
}

func TestServiceLogger_CarriesVersionField(t *testing.T) {
	cl := ServiceLogger("comsrv", "0.1.0-test")
	assert.Equal(t, "comsrv", cl.fields["service"])
	assert.Equal(t, "0.1.0-test", cl.fields["version"])
	assert.Contains(t, cl.fields, "core_version")
}

func TestContextLogger_WithFieldIsImmutable(t *testing.T) {
	base := NewContextLogger(nil, map[string]interface{}{"channel": "plc-1"})
	derived := base.WithField("point", "voltage_l1")

	assert.NotContains(t, base.fields, "point")
	assert.Equal(t, "voltage_l1", derived.fields["point"])
	assert.Equal(t, "plc-1", derived.fields["channel"])
}
