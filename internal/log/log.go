package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	switch os.Getenv("LOG_LEVEL") {
	case "DEBUG":
		logger.SetLevel(logrus.DebugLevel)
	case "WARN":
		logger.SetLevel(logrus.WarnLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// GetLogger returns the shared logger instance. It is only used at the
// process edges (cmd, cli, http); services take an injected Logger.
func GetLogger() *logrus.Logger {
	return logger
}
