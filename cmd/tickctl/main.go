// Command tickctl inspects and repairs a tickbot SQLite database.
package main

import (
	"fmt"
	"os"
	"time"
)

func main() {
	if err := newApp(os.Stdout, time.Now).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tickctl:", err)
		os.Exit(1)
	}
}
