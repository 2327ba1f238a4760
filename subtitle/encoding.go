package subtitle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// NeedsConversion reports whether a file in charset from must be rewritten
// to reach charset to. Unknown or empty source charsets are left alone.
func NeedsConversion(from, to string) bool {
	from = strings.TrimSpace(from)
	if from == "" {
		return false
	}
	src, err := lookup(from)
	if err != nil {
		return false
	}
	dst, err := lookup(to)
	if err != nil {
		return false
	}
	srcName, _ := htmlindex.Name(src)
	dstName, _ := htmlindex.Name(dst)
	return srcName != dstName
}

// ConvertEncoding rewrites src into dst, decoding from one charset and
// encoding into another. An empty target means UTF-8. The result is written
// to a temporary file first so readers never see a half-converted subtitle.
func ConvertEncoding(src, dst, from, to string) error {
	decoder, err := lookup(from)
	if err != nil {
		return err
	}
	encoder, err := lookup(to)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open subtitle: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".subconv-*")
	if err != nil {
		return fmt.Errorf("create subtitle: %w", err)
	}
	defer os.Remove(tmp.Name())

	reader := transform.NewReader(in, transform.Chain(
		unicode.BOMOverride(decoder.NewDecoder()),
		encoder.NewEncoder(),
	))
	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return fmt.Errorf("convert subtitle %s -> %s: %w", from, to, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func lookup(name string) (encoding.Encoding, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown subtitle encoding %q: %w", name, err)
	}
	return enc, nil
}
