package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/cloudflare/pywasm-bootstrap/snapshot"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "print a snapshot artifact's JSON metadata without needing an interpreter",
		ArgsUsage: "<artifact-path>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("inspect requires exactly one artifact path", 1)
			}
			data, err := os.ReadFile(c.Args().Get(0))
			if err != nil {
				return err
			}
			meta, heap, err := snapshot.Decode(data)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(struct {
				Metadata  snapshot.Metadata `json:"metadata"`
				HeapBytes int               `json:"heap_bytes"`
			}{meta, len(heap)}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, string(out))
			return nil
		},
	}
}
