package txn

import "github.com/sirupsen/logrus"

// log is the package-level logger used to warn about skipped malformed
// transactions; overridable the same way pool.SetLogger lets an embedding
// application redirect diagnostics into its own pipeline.
var log = logrus.StandardLogger()

// SetLogger replaces the package-level logger used by this package.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}
