// Package logx provides component-prefixed loggers in the style used
// throughout the pipeline's HTTP and engine layers.
package logx

import (
	"log"
	"os"
)

// New returns a logger that prefixes every line with "[component] ".
func New(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
}
