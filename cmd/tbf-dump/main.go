// Command tbf-dump decodes a raw TBF insert payload (spec §3's wire format)
// from a file or stdin and pretty-prints its structure, the same way
// cmd/debug-raw walked an OpenBMP/BMP/BGP frame by hand.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/route-beacon/tsdb-ingest/internal/tbf"
)

func main() {
	var data []byte
	var err error

	if len(os.Args) > 1 {
		data, err = os.ReadFile(os.Args[1])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading input: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== TBF payload (%d bytes) ===\n", len(data))

	if err := dump(data); err != nil {
		fmt.Fprintf(os.Stderr, "decode error: %v\n", err)
		os.Exit(1)
	}
}

func dump(data []byte) error {
	r := tbf.NewReader(data)
	tag, ok := r.PeekTag()
	if !ok {
		return fmt.Errorf("empty stream")
	}
	switch tag {
	case tbf.TagMapOpen:
		r.ConsumeTag()
		return dumpMapBody(r)
	case tbf.TagArrayOpen:
		r.ConsumeTag()
		return dumpArrayBody(r)
	default:
		return fmt.Errorf("top-level tag 0x%02x is neither a map nor an array", tag)
	}
}

// dumpMapBody walks `{ series_name: [[ts,value],...], ... }`.
func dumpMapBody(r *tbf.Reader) error {
	for {
		tag, ok := r.PeekTag()
		if !ok || tag == tbf.TagMapClose || tag == tbf.TagEnd {
			if ok {
				r.ConsumeTag()
			}
			return nil
		}
		name, err := r.ReadName()
		if err != nil {
			return fmt.Errorf("series name: %w", err)
		}
		points, err := dumpPointsArray(r)
		if err != nil {
			return fmt.Errorf("series %q points: %w", name, err)
		}
		fmt.Printf("series %q: %d point(s)\n", name, len(points))
		for i, p := range points {
			fmt.Printf("  [%d] %s\n", i, formatPoint(p))
		}
	}
}

// dumpArrayBody walks `[ {name, points}, ... ]`, tolerating either key order.
func dumpArrayBody(r *tbf.Reader) error {
	idx := 0
	for {
		tag, ok := r.PeekTag()
		if !ok {
			return nil
		}
		if tag == tbf.TagArrayClose {
			r.ConsumeTag()
			return nil
		}

		elemTag, err := r.ConsumeTag()
		if err != nil || elemTag != tbf.TagMapOpen {
			return fmt.Errorf("element %d: expected a 2-key map", idx)
		}

		var name []byte
		var points []tbf.Point
		for i := 0; i < 2; i++ {
			key, err := r.ReadName()
			if err != nil {
				return fmt.Errorf("element %d: reading key: %w", idx, err)
			}
			switch string(key) {
			case "name":
				n, err := r.ReadName()
				if err != nil {
					return fmt.Errorf("element %d: name value: %w", idx, err)
				}
				name = n
			case "points":
				pts, err := dumpPointsArray(r)
				if err != nil {
					return fmt.Errorf("element %d: points value: %w", idx, err)
				}
				points = pts
			default:
				return fmt.Errorf("element %d: unexpected key %q", idx, key)
			}
		}

		closeTag, err := r.ConsumeTag()
		if err != nil || (closeTag != tbf.TagMapClose && closeTag != tbf.TagEnd) {
			return fmt.Errorf("element %d: missing map close", idx)
		}

		fmt.Printf("series %q: %d point(s)\n", name, len(points))
		for i, p := range points {
			fmt.Printf("  [%d] %s\n", i, formatPoint(p))
		}
		idx++
	}
}

func dumpPointsArray(r *tbf.Reader) ([]tbf.Point, error) {
	tag, err := r.ConsumeTag()
	if err != nil || tag != tbf.TagArrayOpen {
		return nil, fmt.Errorf("expected a points array")
	}
	var points []tbf.Point
	for {
		t, ok := r.PeekTag()
		if !ok {
			return nil, fmt.Errorf("truncated points array")
		}
		if t == tbf.TagArrayClose {
			r.ConsumeTag()
			break
		}
		pt, err := r.ReadPoint()
		if err != nil {
			return nil, err
		}
		points = append(points, pt)
	}
	return points, nil
}

func formatPoint(p tbf.Point) string {
	switch p.Value.Kind {
	case tbf.KindInteger:
		return fmt.Sprintf("ts=%d value=%d (integer)", p.TS, p.Value.Int)
	case tbf.KindFloat:
		return fmt.Sprintf("ts=%d value=%g (float)", p.TS, p.Value.Float)
	default:
		return fmt.Sprintf("ts=%d value=%q (raw, %d bytes)", p.TS, p.Value.Raw, len(p.Value.Raw))
	}
}
