package tarfs

import (
	"bytes"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/cloudflare/pywasm-bootstrap/internal/unixmode"
)

const (
	headerSize = 512

	offName     = 0
	lenName     = 100
	offMode     = 100
	lenMode     = 8
	offSize     = 124
	lenSize     = 12
	offMtime    = 136
	lenMtime    = 12
	offTypeflag = 156
	offPrefix   = 345
	lenPrefix   = 155
)

const (
	typeRegular   = '0'
	typeRegularNU = 0
	typeDir       = '5'
	typeGNULong   = 'L'
)

// readExact fills buf completely from reader starting at pos, looping over
// short reads. An error (including io.EOF before buf is full) is fatal —
// tar archives this core parses are either complete or corrupt.
func readExact(reader Reader, pos int64, buf []byte) error {
	done := 0
	for done < len(buf) {
		n, err := reader.Read(pos+int64(done), buf[done:])
		if n > 0 {
			done += n
		}
		if err != nil {
			if err == io.EOF && done == len(buf) {
				return nil
			}
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

func decodeOctal(field []byte, name string) (uint64, error) {
	trimmed := bytes.Trim(field, " \x00")
	if len(trimmed) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseUint(string(trimmed), 8, 64)
	if err != nil {
		return 0, errInvalidHeader("octal", name)
	}
	return v, nil
}

func cstring(field []byte) string {
	if idx := bytes.IndexByte(field, 0); idx >= 0 {
		field = field[:idx]
	}
	return string(field)
}

// decodedHeader is the subset of USTAR header fields this core needs.
type decodedHeader struct {
	name     string
	mode     uint64
	size     uint64
	mtime    int64
	typeflag byte
}

func decodeHeader(block []byte) (decodedHeader, bool, error) {
	// An all-zero name field marks the end of the archive.
	if bytes.Count(block[offName:offName+lenName], []byte{0}) == lenName {
		return decodedHeader{}, false, nil
	}

	base := cstring(block[offName : offName+lenName])
	prefix := cstring(block[offPrefix : offPrefix+lenPrefix])

	name := base
	if prefix != "" {
		name = prefix + "/" + base
	}
	name = strings.TrimPrefix(name, "./")
	if name == "" {
		return decodedHeader{}, false, nil
	}

	mode, err := decodeOctal(block[offMode:offMode+lenMode], name)
	if err != nil {
		return decodedHeader{}, false, err
	}
	size, err := decodeOctal(block[offSize:offSize+lenSize], name)
	if err != nil {
		return decodedHeader{}, false, err
	}
	mtime, err := decodeOctal(block[offMtime:offMtime+lenMtime], name)
	if err != nil {
		return decodedHeader{}, false, err
	}

	return decodedHeader{
		name:     path.Clean("/" + name),
		mode:     mode,
		size:     size,
		mtime:    int64(mtime),
		typeflag: block[offTypeflag],
	}, true, nil
}

func entryBlocks(size uint64) int64 {
	return int64(1 + (size+headerSize-1)/headerSize)
}

// Parse walks the USTAR stream exposed by reader and returns the resulting
// directory tree plus the ordered list of ".so" files encountered, as
// path-component fragments relative to the tree root (spec.md §4.1).
func Parse(reader Reader) (*Node, [][]string, error) {
	root := NewDir("", "/", uint32(unixmode.S_IFDIR), 0)
	pathToNode := map[string]*Node{"/": root}
	var soFiles [][]string

	var pos int64
	var pendingLongName string

	header := make([]byte, headerSize)
	for {
		if err := readExact(reader, pos, header); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, err
		}

		hdr, ok, err := decodeHeader(header)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}

		dataStart := pos + headerSize
		advance := entryBlocks(hdr.size) * headerSize

		if hdr.typeflag == typeGNULong {
			payload := make([]byte, hdr.size)
			if err := readExact(reader, dataStart, payload); err != nil {
				return nil, nil, err
			}
			pendingLongName = path.Clean("/" + cstring(payload))
			pos += advance
			continue
		}

		name := hdr.name
		if pendingLongName != "" {
			name = pendingLongName
			pendingLongName = ""
		}

		if strings.Contains(name, "PaxHeader") {
			pos += advance
			continue
		}

		switch hdr.typeflag {
		case typeDir:
			parentPath := path.Dir(name)
			parent := pathToNode[parentPath]
			if parent == nil {
				return nil, nil, errOrphanEntry(name)
			}
			baseName := path.Base(name)
			child := NewDir(baseName, name, uint32(hdr.mode)|uint32(unixmode.S_IFDIR), hdr.mtime)
			parent.InsertChild(baseName, child)
			pathToNode[name] = child

		case typeRegular, typeRegularNU:
			parentPath := path.Dir(name)
			parent := pathToNode[parentPath]
			if parent == nil {
				return nil, nil, errOrphanEntry(name)
			}
			baseName := path.Base(name)
			child := &Node{
				Kind:          KindFile,
				Name:          baseName,
				Path:          name,
				Mode:          uint32(hdr.mode) | uint32(unixmode.S_IFREG),
				Mtime:         hdr.mtime,
				Size:          hdr.size,
				ContentOffset: dataStart,
				SourceReader:  reader,
			}
			parent.InsertChild(baseName, child)
			if strings.HasSuffix(baseName, ".so") {
				soFiles = append(soFiles, strings.Split(strings.TrimPrefix(name, "/"), "/"))
			}

		default:
			return nil, nil, errUnknownType(hdr.typeflag, name)
		}

		pos += advance
	}

	return root, soFiles, nil
}
