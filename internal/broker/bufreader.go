package broker

import (
	"bufio"
	"os"
)

// bufReader pairs a buffered reader (for decoding) with the underlying file
// (for polling its descriptor). bufio.Reader.Fd() does not exist, so the
// raw file is kept alongside it.
type bufReader struct {
	r *bufio.Reader
	f *os.File
}

func newBufReader(f *os.File) *bufReader {
	return &bufReader{r: bufio.NewReader(f), f: f}
}

func fdFromReader(r *bufReader) int {
	return int(r.f.Fd())
}
