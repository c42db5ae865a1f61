package common

import (
	"log"
	"os"
)

var (
	logger = log.New(os.Stderr, "[scpgate] ", log.LstdFlags|log.Lmicroseconds)
)

func Logf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

// SetOutput redirects the package logger, typically to a rotating file writer
// when running as a daemon.
func SetOutput(w interface{ Write(p []byte) (int, error) }) {
	logger.SetOutput(w)
}
