package quicfetch

import (
	"bufio"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// newBodyDecoder wraps a reader for the response's content coding, or
// returns nil when the body passes through unchanged (identity, empty,
// or a coding the config disables).
func (c *Client) newBodyDecoder(encoding string, r io.Reader) (io.Reader, error) {
	switch encoding {
	case "", "identity":
		return nil, nil
	case "gzip":
		if !c.cfg.decompression.Gzip {
			return nil, nil
		}
		return gzip.NewReader(r)
	case "br":
		if !c.cfg.decompression.Brotli {
			return nil, nil
		}
		return brotli.NewReader(r), nil
	case "deflate":
		if !c.cfg.decompression.Deflate {
			return nil, nil
		}
		// Servers ambiguously send zlib-wrapped or raw deflate; sniff
		// the zlib header without consuming it.
		br := bufio.NewReader(r)
		if hdr, err := br.Peek(2); err == nil && hdr[0]&0x0f == 8 &&
			(uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
			return zlib.NewReader(br)
		}
		return flate.NewReader(br), nil
	default:
		return nil, nil
	}
}
