// Package syncmap parses the TeX engine's source-to-page position map
// (the "synctex" format) into a queryable index with forward (source
// line -> page position) and inverse (page position -> source line)
// lookup.
package syncmap

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// unitsPerPoint converts the engine's fixed-point coordinate units to
// typographic points (65536 units == 1 point, per the file format).
const unitsPerPoint = 65536.0

// defaultPageHeight is used by ForwardLookup when the caller does not
// supply one (A4 in points).
const defaultPageHeight = 842.0

// recordKinds is the closed set of single-byte tags that begin a
// record line in the content section.
var recordKinds = map[byte]bool{
	'h': true, 'x': true, 'g': true, 'k': true,
	'v': true, '$': true, '[': true, '(': true,
}

// sandboxPrefixes are interior bind-mount paths stripped from recorded
// file paths so lookups by user-facing relative paths succeed.
var sandboxPrefixes = []string{"/work/source/", "/work/output/", "/work/"}

// Record is one source<->output coordinate association.
type Record struct {
	File   string
	Line   int
	Column int
	Page   int
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Index is the in-memory derived structure produced by Parse: all
// records plus two sorted indices (by file, by page).
type Index struct {
	records []Record
	byFile  map[string][]Record
	byPage  map[int][]Record
}

// Parse decompresses a gzip-wrapped position map and builds an Index.
func Parse(r io.Reader) (*Index, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("synctex: gzip: %w", err)
	}
	defer gz.Close()
	return parsePlain(gz)
}

// ParsePlain builds an Index from an already-decompressed stream.
// Exposed for tests and for callers that pre-decompress themselves.
func ParsePlain(r io.Reader) (*Index, error) {
	return parsePlain(r)
}

func parsePlain(r io.Reader) (*Index, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	files := map[string]string{}
	inContent := false
	currentPage := 0
	var records []Record

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !inContent {
			if line == "Content:" {
				inContent = true
				continue
			}
			if strings.HasPrefix(line, "Input:") {
				id, path, ok := parseInputLine(line)
				if ok {
					files[id] = normalizePath(path)
				}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "{"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "{")); err == nil {
				currentPage = n
			}
		case line == "}":
			currentPage = 0
		case recordKinds[line[0]]:
			rec, ok := parseRecordLine(line[1:], files, currentPage)
			if ok {
				records = append(records, rec)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("synctex: scan: %w", err)
	}

	return buildIndex(records), nil
}

func parseInputLine(line string) (id, path string, ok bool) {
	// Input:<id>:<filepath>
	rest := strings.TrimPrefix(line, "Input:")
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func parseRecordLine(rest string, files map[string]string, page int) (Record, bool) {
	if page <= 0 {
		return Record{}, false
	}
	// <file_id>,<line>,<col>:<x>,<y>[:<w>,<h>,<d>]
	sections := strings.SplitN(rest, ":", 3)
	if len(sections) < 2 {
		return Record{}, false
	}
	locParts := strings.Split(sections[0], ",")
	if len(locParts) != 3 {
		return Record{}, false
	}
	fileID := locParts[0]
	file, known := files[fileID]
	if !known {
		return Record{}, false
	}
	lineNum, err := strconv.Atoi(locParts[1])
	if err != nil || lineNum <= 0 {
		return Record{}, false
	}
	col, _ := strconv.Atoi(locParts[2])

	coordParts := strings.Split(sections[1], ",")
	if len(coordParts) != 2 {
		return Record{}, false
	}
	x, err1 := strconv.ParseFloat(coordParts[0], 64)
	y, err2 := strconv.ParseFloat(coordParts[1], 64)
	if err1 != nil || err2 != nil {
		return Record{}, false
	}

	var w, h float64
	if len(sections) == 3 {
		dims := strings.Split(sections[2], ",")
		if len(dims) >= 2 {
			w, _ = strconv.ParseFloat(dims[0], 64)
			h, _ = strconv.ParseFloat(dims[1], 64)
		}
	}

	return Record{
		File:   file,
		Line:   lineNum,
		Column: col,
		Page:   page,
		X:      x / unitsPerPoint,
		Y:      y / unitsPerPoint,
		Width:  w / unitsPerPoint,
		Height: h / unitsPerPoint,
	}, true
}

func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "./")
	for _, prefix := range sandboxPrefixes {
		if strings.HasPrefix(p, prefix) {
			p = strings.TrimPrefix(p, prefix)
			break
		}
	}
	return p
}

func buildIndex(records []Record) *Index {
	idx := &Index{
		records: records,
		byFile:  map[string][]Record{},
		byPage:  map[int][]Record{},
	}
	for _, r := range records {
		idx.byFile[r.File] = append(idx.byFile[r.File], r)
		idx.byPage[r.Page] = append(idx.byPage[r.Page], r)
	}
	for file := range idx.byFile {
		group := idx.byFile[file]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Line < group[j].Line })
		idx.byFile[file] = group
	}
	for page := range idx.byPage {
		group := idx.byPage[page]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Y < group[j].Y })
		idx.byPage[page] = group
	}
	return idx
}

// ForwardResult is the outcome of a source_to_page lookup.
type ForwardResult struct {
	Page  int
	X     float64
	Y     float64
	YNorm float64
}

// ForwardLookup resolves the page a given source line lands on. If
// pageHeight is <= 0, defaultPageHeight is used. Falls back to
// basename-suffix matching when the exact file isn't indexed.
func (idx *Index) ForwardLookup(file string, line int, pageHeight float64) (ForwardResult, bool) {
	if pageHeight <= 0 {
		pageHeight = defaultPageHeight
	}
	group, ok := idx.byFile[file]
	if !ok {
		group, ok = idx.matchByBasename(file)
		if !ok {
			return ForwardResult{}, false
		}
	}

	// Binary search for the largest record with record.Line <= line.
	i := sort.Search(len(group), func(i int) bool { return group[i].Line > line })
	if i == 0 {
		return ForwardResult{}, false
	}
	rec := group[i-1]
	yNorm := rec.Y / pageHeight
	if yNorm < 0 {
		yNorm = 0
	} else if yNorm > 1 {
		yNorm = 1
	}
	return ForwardResult{Page: rec.Page, X: rec.X, Y: rec.Y, YNorm: yNorm}, true
}

func (idx *Index) matchByBasename(file string) ([]Record, bool) {
	suffix := basename(file)
	for name, group := range idx.byFile {
		if basename(name) == suffix {
			return group, true
		}
	}
	return nil, false
}

func basename(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// InverseResult is the outcome of a page_to_source lookup.
type InverseResult struct {
	File   string
	Line   int
	Column int
}

// InverseLookup returns the record on page closest (Euclidean distance)
// to (x, y).
func (idx *Index) InverseLookup(page int, x, y float64) (InverseResult, bool) {
	group, ok := idx.byPage[page]
	if !ok || len(group) == 0 {
		return InverseResult{}, false
	}
	best := group[0]
	bestDist := distance2(best, x, y)
	for _, r := range group[1:] {
		d := distance2(r, x, y)
		if d < bestDist {
			bestDist = d
			best = r
		}
	}
	return InverseResult{File: best.File, Line: best.Line, Column: best.Column}, true
}

func distance2(r Record, x, y float64) float64 {
	dx := r.X - x
	dy := r.Y - y
	return dx*dx + dy*dy
}

// LinePageMap returns, for each line number of file in file order, the
// first page seen for that line.
func (idx *Index) LinePageMap(file string) map[int]int {
	group, ok := idx.byFile[file]
	result := map[int]int{}
	if !ok {
		return result
	}
	// byFile is sorted by Line, but "first page seen" must follow
	// original input order, so rebuild from the raw record slice.
	for _, r := range idx.records {
		if r.File != file {
			continue
		}
		if _, seen := result[r.Line]; !seen {
			result[r.Line] = r.Page
		}
	}
	return result
}

// Empty reports whether the index has no records at all (e.g. the
// engine produced no synctex output worth indexing).
func (idx *Index) Empty() bool {
	return idx == nil || len(idx.records) == 0
}
