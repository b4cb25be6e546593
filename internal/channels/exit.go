package channels

import "os"

// osExit is a seam so tests can exercise the breaker-open path without
// killing the test process.
var osExit = os.Exit
