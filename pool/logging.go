package pool

import "github.com/sirupsen/logrus"

// log is the package-level logger every runner writes through. Overridable
// the same way the teacher's core/security.go exposes SetSecurityLogger, so
// an embedding application can redirect pool diagnostics into its own
// logging pipeline.
var log = logrus.StandardLogger()

// SetLogger replaces the package-level logger used by every Runner.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}
