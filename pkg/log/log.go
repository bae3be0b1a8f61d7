// Package log is the gateway's minimal logging surface. Everything goes to
// stderr so stdout stays clean for CLI output.
package log

import (
	"fmt"
	"os"
	"time"
)

func Log(a ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprint(a...))
}

func Logf(format string, a ...any) {
	Log(fmt.Sprintf(format, a...))
}
