package testnet

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// newLogger builds the logrus logger used throughout the library. Every
// subprocess (switch and node) gets its own instance, tagged with its role
// and the network's run ID, so interleaved output from concurrently running
// nodes — or from several testnet invocations sharing one CI log stream —
// can be told apart.
func newLogger(role, runID string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return log.WithField("role", role).WithField("run", runID)
}

func humanizeBytes(n int) string {
	return humanize.IBytes(uint64(n))
}
