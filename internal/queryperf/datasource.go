// SPDX-License-Identifier: ISC

package queryperf

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// stdinPath is the conventional "read from standard input" path
// value (the CLI front end's -d default), used by [openDataSource]
// and [*Harness]'s stdin/N>1 check.
const stdinPath = "-"

// openDataSource opens path as a seekable query source. path == "-"
// reads all of standard input into memory first, since stdin itself
// is not seekable but the repository's streaming-with-rewind contract
// requires [io.Seeker].
//
// The returned closer releases any file handle opened; it is a no-op
// for standard input.
func openDataSource(path string) (io.ReadSeeker, func() error, error) {
	if path == stdinPath {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, nil, fmt.Errorf("queryperf: reading standard input: %w", err)
		}
		return bytes.NewReader(data), func() error { return nil }, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("queryperf: opening data file: %w", err)
	}
	return f, f.Close, nil
}
