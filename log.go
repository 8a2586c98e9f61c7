package orbit

import (
	"os"

	"github.com/charmbracelet/log"
)

// newLogger mirrors the teacher's convention (client2/connection.go,
// client2/arq.go) of a package-wide charmbracelet/log logger narrowed
// with WithPrefix per component instance, rather than a single global
// logger threaded everywhere.
func newLogger(prefix string) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
	})
}
