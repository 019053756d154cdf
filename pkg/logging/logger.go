package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

// InitLogger sets up Log for the given level name. Debug and trace get readable text output,
// everything else JSON. An unknown level falls back to info.
func InitLogger(level string) *logrus.Logger {
	Log = logrus.New()
	Log.Out = os.Stdout

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Log.SetLevel(lvl)

	if lvl >= logrus.DebugLevel {
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
	if err != nil && level != "" {
		Log.WithField("level", level).Warn("Unknown log level, using info")
	}
	return Log
}
