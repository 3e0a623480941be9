package main

import (
	"os"

	goerrors "github.com/go-errors/errors"
)

// fileTarReader adapts an *os.File to tarfs.Reader, the random-access byte
// source TarIndex parses package and bundle archives through (spec.md
// §4.1, §6 TarReader interface). The embedded-packages archive and any
// fetched-package archive are both, in the end, just a file on disk when
// driven from this CLI.
type fileTarReader struct {
	f *os.File
}

func openFileTarReader(path string) (*fileTarReader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, goerrors.WrapPrefix(err, "opening "+path, 0)
	}
	return &fileTarReader{f: f}, func() { f.Close() }, nil
}

func (r *fileTarReader) Read(offset int64, buf []byte) (int, error) {
	return r.f.ReadAt(buf, offset)
}
