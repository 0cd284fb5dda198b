package main

import (
	"fmt"
	"os"

	"github.com/stayflow/stayflow-backend/internal/tools/authcheck"
)

func main() {
	if err := authcheck.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
