package loader

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"
)

// Parallel CSV loader for GTFS text files. stop_times.txt runs to many
// hundred thousand rows, so the file is split into fixed-size chunks of
// data rows, each re-prefixed with the header, and parsed by a bounded
// pool of workers. Row order across chunks is not defined; callers
// either index rows by key or don't depend on order within a file.

const (
	DefaultMaxRowsPerChunk = 100000
)

func init() {
	// LazyCSVReader survives sloppy use of quotes, which NTA data is
	// known for.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(in)
	})
}

// Loader carries the tunables for parallel loading. The zero value is
// usable; New fills in defaults.
type Loader struct {
	// MaxThreads is the number of parse workers.
	MaxThreads int

	// MaxRowsPerChunk is the number of data rows handed to a worker
	// at a time.
	MaxRowsPerChunk int

	logger *slog.Logger
}

func New(logger *slog.Logger) *Loader {
	return &Loader{
		MaxThreads:      runtime.GOMAXPROCS(0),
		MaxRowsPerChunk: DefaultMaxRowsPerChunk,
		logger:          logger,
	}
}

type chunkResult[T any] struct {
	rows      []T
	discarded int
	err       error
}

type chunkJob[T any] struct {
	buf *bytes.Buffer
	out chan chunkResult[T]
}

func parseChunk[T any](buf *bytes.Buffer, keep func(T) bool) ([]T, int, error) {
	rows := []T{}
	discarded := 0

	err := gocsv.UnmarshalToCallbackWithError(buf, func(row T) error {
		if keep == nil || keep(row) {
			rows = append(rows, row)
		} else {
			discarded++
		}
		return nil
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "unmarshaling csv chunk")
	}

	return rows, discarded, nil
}

// Load reads filename and returns every row accepted by keep. A nil
// keep accepts all rows. The file may begin with a U+FEFF byte order
// mark; if present it is consumed before the header is read, since
// leaving it in place corrupts the first header name.
//
// A missing file propagates the underlying fs error. A malformed row
// fails the whole load.
func Load[T any](l *Loader, filename string, keep func(T) bool) ([]T, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", filename)
	}
	defer f.Close()

	r := bufio.NewReader(bom.NewReader(f))

	// Includes field names; prefixed to every chunk.
	header, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "reading header of %q", filename)
	}

	maxThreads := l.MaxThreads
	if maxThreads <= 0 {
		maxThreads = runtime.GOMAXPROCS(0)
	}
	maxRows := l.MaxRowsPerChunk
	if maxRows <= 0 {
		maxRows = DefaultMaxRowsPerChunk
	}

	// N workers plus a queue of N-1 bounds outstanding submissions to
	// 2N-1. Without this, the read loop below can outrun the workers
	// and buffer most of the file in memory on a small host.
	jobs := make(chan chunkJob[T], maxThreads-1)
	for i := 0; i < maxThreads; i++ {
		go func() {
			for job := range jobs {
				rows, discarded, err := parseChunk(job.buf, keep)
				job.out <- chunkResult[T]{rows: rows, discarded: discarded, err: err}
			}
		}()
	}

	pending := []chan chunkResult[T]{}
	submit := func(buf *bytes.Buffer) {
		out := make(chan chunkResult[T], 1)
		pending = append(pending, out)
		jobs <- chunkJob[T]{buf: buf, out: out}
	}

	newChunk := func() *bytes.Buffer {
		buf := &bytes.Buffer{}
		buf.WriteString(header)
		return buf
	}

	accum := newChunk()
	count := 0
	var readErr error

	for {
		line, err := r.ReadString('\n')
		if line != "" {
			accum.WriteString(line)
			count++
			if count == maxRows {
				submit(accum)
				accum = newChunk()
				count = 0
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = errors.Wrapf(err, "reading %q", filename)
			break
		}
	}
	if count > 0 {
		submit(accum)
	}
	close(jobs)

	ret := []T{}
	discarded := 0
	for _, out := range pending {
		res := <-out
		if res.err != nil && readErr == nil {
			readErr = errors.Wrapf(res.err, "parsing %q", filename)
		}
		ret = append(ret, res.rows...)
		discarded += res.discarded
	}
	if readErr != nil {
		return nil, readErr
	}

	if l.logger != nil {
		l.logger.Debug("loaded csv",
			"filename", filename,
			"rows", len(ret),
			"discarded", discarded,
			"filtered", keep != nil)
	}

	return ret, nil
}

// KeepValues builds a keep predicate from an allow-list: column accessor
// to set of acceptable values. Predicates built for multiple columns
// can be combined with KeepAll (AND).
func KeepValues[T any](field func(T) string, values map[string]bool) func(T) bool {
	return func(row T) bool {
		return values[field(row)]
	}
}

func KeepAll[T any](keeps ...func(T) bool) func(T) bool {
	return func(row T) bool {
		for _, keep := range keeps {
			if !keep(row) {
				return false
			}
		}
		return true
	}
}

// StringSet is a convenience for building allow-lists.
func StringSet(values ...string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.TrimSpace(v)] = true
	}
	return set
}
