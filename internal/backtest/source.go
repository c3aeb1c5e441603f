package backtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"tradecore/internal/codec"
	"tradecore/internal/recorder"
	"tradecore/internal/schema"
)

const maxLineSize = 4 << 20

// LoadJSONL reads one encoded event per line. Blank lines and lines
// starting with '#' are skipped.
func LoadJSONL(r io.Reader) ([]schema.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var events []schema.Event
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		e, err := codec.DecodeEvent([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// LoadWAL reads every event recorded in a WAL directory.
func LoadWAL(ctx context.Context, dir, prefix string) ([]schema.Event, error) {
	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{Dir: dir, FilePrefix: prefix})
	if err != nil {
		return nil, err
	}
	var events []schema.Event
	err = pb.Run(ctx, func(e schema.Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

// Load reads a WAL directory or a JSON-lines file.
func Load(ctx context.Context, path string) ([]schema.Event, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return LoadWAL(ctx, path, "")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadJSONL(f)
}

// Prepare turns a recorded log into a replay input: only source events are
// kept, stable-sorted by timestamp so ties keep log order. Backpressure
// notices are dropped since they describe the recording session. Cancel
// requests that name a recorded intent are rewritten to name its signal,
// which the replay can map to the newly published id.
func Prepare(events []schema.Event) []schema.Event {
	intentSignal := make(map[uint64]uint64)
	for _, e := range events {
		if p, ok := e.Payload.(schema.OrderIntent); ok && e.ID != 0 {
			intentSignal[e.ID] = p.SignalID
		}
	}

	out := make([]schema.Event, 0, len(events))
	for _, e := range events {
		if !e.Type.IsSource() || e.Type == schema.EventBackpressure {
			continue
		}
		if req, ok := e.Payload.(schema.CancelRequest); ok && req.IntentID != 0 {
			if sig, found := intentSignal[req.IntentID]; found {
				req.SignalID = sig
			}
			req.IntentID = 0
			e.Payload = req
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}
