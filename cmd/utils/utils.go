// Package utils contains internal helper functions for trustdb commands.
package utils

import (
	"fmt"
	"os"
)

// Fatalf formats a message to standard error and exits the program.
func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Fatal: "+format+"\n", args...)
	os.Exit(1)
}
