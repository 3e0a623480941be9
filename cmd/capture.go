package main

import (
	"fmt"
	"os"
	"path/filepath"

	goerrors "github.com/go-errors/errors"
	"github.com/urfave/cli/v2"

	"github.com/cloudflare/pywasm-bootstrap/bootctx"
	"github.com/cloudflare/pywasm-bootstrap/config"
	"github.com/cloudflare/pywasm-bootstrap/dynlib"
	"github.com/cloudflare/pywasm-bootstrap/snapshot"
	"github.com/cloudflare/pywasm-bootstrap/telemetry"
	"github.com/cloudflare/pywasm-bootstrap/vfs"
	"github.com/cloudflare/pywasm-bootstrap/wasmhost"
)

func captureCommand() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "cold-start the interpreter, warm imports, and write a snapshot artifact",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Required: true, Usage: "YAML config (config.Config): mode must be a create_* mode"},
			&cli.StringFlag{Name: "interpreter", Required: true, Usage: "path to the interpreter's .wasm binary"},
			&cli.StringFlag{Name: "out", Required: true, Usage: "path to write the snapshot artifact to"},
			&cli.StringSliceFlag{Name: "small", Usage: "path:requirement:site|dynlib, repeatable"},
			&cli.StringFlag{Name: "big", Usage: "tar whose top-level entries are canonical package names"},
			&cli.StringSliceFlag{Name: "requirement", Usage: "package name to select from --big, repeatable"},
			&cli.StringSliceFlag{Name: "import", Usage: "top-level module the user bundle imports, repeatable (package/dedicated mode)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			snapshotType, err := snapshotTypeForCapture(cfg.Mode)
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

			ctx := c.Context
			interpreterBytes, err := os.ReadFile(c.String("interpreter"))
			if err != nil {
				return err
			}
			mod, err := wasmhost.New(ctx, interpreterBytes)
			if err != nil {
				return err
			}
			defer mod.Close()

			loader := &dynlib.Loader{
				Site:   vfs.NewTrustedFS(vfs.FromTarNode(v.SitePackagesRoot)),
				Dynlib: vfs.NewTrustedFS(vfs.FromTarNode(v.DynlibRoot)),
			}
			engine := snapshot.NewEngine(loader, telemetry.NewSlogTracer(newLogger(c.App.ErrWriter)))

			artifact, err := engine.Capture(mod, bctx, snapshotType, c.StringSlice("import"), nil)
			if err != nil {
				return err
			}

			outDir := filepath.Dir(c.String("out"))
			outName := filepath.Base(c.String("out"))
			sink := snapshot.NewDiskArtifactSink(outDir)
			if !sink.Put(outName, artifact) {
				return goerrors.Errorf("capture: failed to write artifact to %s", c.String("out"))
			}

			fmt.Fprintf(c.App.Writer, "captured %s snapshot: %d bytes -> %s\n", snapshotType, len(artifact), c.String("out"))
			return nil
		},
	}
}

func snapshotTypeForCapture(mode config.BootstrapMode) (config.SnapshotType, error) {
	switch mode {
	case config.ModeCreateBaseline:
		return config.SnapshotBaseline, nil
	case config.ModeCreatePackage:
		return config.SnapshotPackage, nil
	case config.ModeCreateDedicated:
		return config.SnapshotDedicated, nil
	default:
		return "", goerrors.Errorf("capture: config mode %q is not a create_* bootstrap mode", mode)
	}
}
