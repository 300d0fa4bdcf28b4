package logger

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// InitLogger configures the global logrus logger.
// log level is taken from the LOG_LEVEL env variable, defaults to info.
func InitLogger() {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	level, err := log.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = log.InfoLevel
	}

	log.SetLevel(level)

	if level >= log.DebugLevel {
		log.SetReportCaller(true)
	}
}
