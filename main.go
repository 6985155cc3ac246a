package main

import (
	"os"

	"taxfiler/internal/app"
)

func main() {
	if err := app.Run(os.Args[1:]); err != nil {
		app.Report(err)
		os.Exit(app.ExitCode(err))
	}
}
