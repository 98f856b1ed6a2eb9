package main

import (
	"fmt"
	"os"

	"d2dtreasury/services/treasuryd"
)

func main() {
	if err := treasuryd.Main(); err != nil {
		fmt.Fprintf(os.Stderr, "treasuryd: %v\n", err)
		os.Exit(1)
	}
}
