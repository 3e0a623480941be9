package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/cloudflare/pywasm-bootstrap/bootctx"
	"github.com/cloudflare/pywasm-bootstrap/config"
	"github.com/cloudflare/pywasm-bootstrap/dynlib"
	"github.com/cloudflare/pywasm-bootstrap/snapshot"
	"github.com/cloudflare/pywasm-bootstrap/telemetry"
	"github.com/cloudflare/pywasm-bootstrap/vfs"
	"github.com/cloudflare/pywasm-bootstrap/wasmhost"
)

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "restore a snapshot artifact into a fresh interpreter instance",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Required: true, Usage: "YAML config (config.Config): mode must be restore"},
			&cli.StringFlag{Name: "interpreter", Required: true, Usage: "path to the interpreter's .wasm binary"},
			&cli.StringFlag{Name: "artifact", Required: true, Usage: "path to the snapshot artifact to restore"},
			&cli.StringSliceFlag{Name: "small", Usage: "path:requirement:site|dynlib, repeatable"},
			&cli.StringFlag{Name: "big", Usage: "tar whose top-level entries are canonical package names"},
			&cli.StringSliceFlag{Name: "requirement", Usage: "package name to select from --big, repeatable"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}

			v, closeAll, err := buildOverlay(c.StringSlice("small"), c.String("big"), c.StringSlice("requirement"))
			if err != nil {
				return err
			}
			defer closeAll()

			bctx := bootctx.New(cfg)
			bctx.Overlay = v

			artifact, err := os.ReadFile(c.String("artifact"))
			if err != nil {
				return err
			}

			interpreterBytes, err := os.ReadFile(c.String("interpreter"))
			if err != nil {
				return err
			}
			mod, err := wasmhost.New(c.Context, interpreterBytes)
			if err != nil {
				return err
			}
			defer mod.Close()

			loader := &dynlib.Loader{
				Site:   vfs.NewTrustedFS(vfs.FromTarNode(v.SitePackagesRoot)),
				Dynlib: vfs.NewTrustedFS(vfs.FromTarNode(v.DynlibRoot)),
			}
			engine := snapshot.NewEngine(loader, telemetry.NewSlogTracer(newLogger(c.App.ErrWriter)))

			meta, err := engine.Restore(mod, bctx, artifact)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "restored %s snapshot: %d libraries loaded, %d imported modules\n",
				meta.SnapshotType, len(meta.LoadOrder), len(meta.ImportedModulesList))
			return nil
		},
	}
}
