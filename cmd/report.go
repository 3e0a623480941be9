package main

import (
	"fmt"
	"io"
	"strings"

	goerrors "github.com/go-errors/errors"
)

// reportError prints err the way spec.md §7 asks an internal error to be
// reported: a one-line cause, then its stack split across several log
// lines so a log collector that collapses newlines still keeps each frame
// readable. User errors (usererr.Error) carry no stack, so they print as
// a single line.
func reportError(w io.Writer, err error) {
	fmt.Fprintln(w, "error:", err.Error())
	if gerr, ok := err.(*goerrors.Error); ok {
		for _, line := range strings.Split(gerr.ErrorStack(), "\n") {
			if line != "" {
				fmt.Fprintln(w, "  ", line)
			}
		}
	}
}
