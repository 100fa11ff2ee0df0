package badgerdb

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// slogLogger routes badger's printf-style logging into slog.
type slogLogger struct {
	log *slog.Logger
}

var _ badger.Logger = slogLogger{}

func (l slogLogger) Errorf(format string, args ...any) {
	l.log.Error(line(format, args), "component", "badger")
}

func (l slogLogger) Warningf(format string, args ...any) {
	l.log.Warn(line(format, args), "component", "badger")
}

func (l slogLogger) Infof(format string, args ...any) {
	l.log.Info(line(format, args), "component", "badger")
}

func (l slogLogger) Debugf(format string, args ...any) {
	l.log.Debug(line(format, args), "component", "badger")
}

func line(format string, args []any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
