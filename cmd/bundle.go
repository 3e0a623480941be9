package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
)

// bundleManifest is the JSON the "bundle" subcommand prints: a summary of
// the composed VirtualizedDir, useful for checking a set of tar inputs
// overlays cleanly before handing them to capture/restore.
type bundleManifest struct {
	SitePackages []string `json:"site_packages_top_level"`
	Dynlib       []string `json:"dynlib_top_level"`
	SoFiles      []string `json:"so_files"`
	Requirements []string `json:"loaded_requirements"`
}

func bundleCommand() *cli.Command {
	return &cli.Command{
		Name:  "bundle",
		Usage: "compose tar archives into a VirtualizedDir and print a manifest",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "small",
				Usage: "path:requirement:site|dynlib, repeatable (spec.md §4.3 add_small_bundle)",
			},
			&cli.StringFlag{
				Name:  "big",
				Usage: "tar whose top-level entries are canonical package names (add_big_bundle)",
			},
			&cli.StringSliceFlag{
				Name:  "requirement",
				Usage: "package name to select from --big, repeatable",
			},
		},
		Action: func(c *cli.Context) error {
			v, closeAll, err := buildOverlay(c.StringSlice("small"), c.String("big"), c.StringSlice("requirement"))
			if err != nil {
				return err
			}
			defer closeAll()

			manifest := bundleManifest{
				SitePackages: v.SitePackagesRoot.ChildNames(),
				Dynlib:       v.DynlibRoot.ChildNames(),
			}
			for _, f := range v.SoFiles() {
				manifest.SoFiles = append(manifest.SoFiles, joinFragment(f.Fragment))
			}
			for _, name := range manifest.SitePackages {
				if v.HasRequirementLoaded(name) {
					manifest.Requirements = append(manifest.Requirements, name)
				}
			}

			out, err := json.MarshalIndent(manifest, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, string(out))
			return nil
		},
	}
}

func joinFragment(fragment []string) string {
	out := ""
	for i, c := range fragment {
		if i > 0 {
			out += "/"
		}
		out += c
	}
	return out
}
