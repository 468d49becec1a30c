// Package telemetry implements intelligent log output routing that
// automatically directs error messages to stderr while sending other log
// levels to stdout, enabling proper stream separation for containerized
// and scripted deployments of the gateway.
package telemetry

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus output to stderr for error-level entries and
// stdout otherwise, so container log collectors can treat the two streams
// with different priority without parsing JSON first.
type OutputSplitter struct{}

// Write implements io.Writer, inspecting the formatted entry for
// "level=error" and selecting the output stream accordingly.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger used by components that do not carry
// their own ContextLogger (command-line entrypoints, init-time errors).
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
