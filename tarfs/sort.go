package tarfs

import (
	"sort"
	"strings"
)

// SortSoFiles orders .so path fragments per spec.md §8 property 6 and the
// legacy preload order in §4.5: "_lzma.so" first (if present), then
// "_ssl.so" (if present), then the remainder sorted by "/"-joined path.
func SortSoFiles(soFiles [][]string) [][]string {
	var lzma, ssl [][]string
	var rest [][]string

	for _, fragment := range soFiles {
		switch basename(fragment) {
		case "_lzma.so":
			lzma = append(lzma, fragment)
		case "_ssl.so":
			ssl = append(ssl, fragment)
		default:
			rest = append(rest, fragment)
		}
	}

	sort.Slice(rest, func(i, j int) bool {
		return joinFragment(rest[i]) < joinFragment(rest[j])
	})

	out := make([][]string, 0, len(soFiles))
	out = append(out, lzma...)
	out = append(out, ssl...)
	out = append(out, rest...)
	return out
}

func basename(fragment []string) string {
	if len(fragment) == 0 {
		return ""
	}
	return fragment[len(fragment)-1]
}

func joinFragment(fragment []string) string {
	return strings.Join(fragment, "/")
}
