package pipeline

import (
	"io"

	"github.com/sirupsen/logrus"
)

// discardLogger is the default FieldLogger used by a Pipeline when the
// caller does not supply one, keeping the library silent by default. This
// mirrors the teacher's services, which take an injected *logrus.Entry and
// fall back to a logger with output disabled rather than forcing a choice
// of verbosity on every caller.
var discardLogger logrus.FieldLogger = func() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func loggerOrDefault(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return discardLogger
	}
	return l
}
