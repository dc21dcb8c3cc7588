// Package looprun executes a task's loop spec — for_each, while,
// repeat_until, or repeat — as a single logical task, optionally running
// its iterations concurrently under a bounded semaphore.
package looprun

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/periplon/engine/workflow"
)

// ResolveCollection turns a CollectionSource into an ordered slice of
// items, per §4.E's five collection kinds.
func ResolveCollection(ctx context.Context, src *workflow.CollectionSource, stateLookup func(key string) (any, bool)) ([]any, error) {
	switch src.Kind {
	case workflow.CollectionState:
		v, ok := stateLookup(src.StateKey)
		if !ok {
			return nil, fmt.Errorf("looprun: state collection key %q not found", src.StateKey)
		}
		return toItems(v)

	case workflow.CollectionInline:
		return src.Values, nil

	case workflow.CollectionRange:
		return rangeItems(src.RangeStart, src.RangeEnd, src.RangeStep), nil

	case workflow.CollectionFile:
		data, err := os.ReadFile(src.FilePath)
		if err != nil {
			return nil, fmt.Errorf("looprun: read collection file %s: %w", src.FilePath, err)
		}
		return parseFormatted(data, src.Format)

	case workflow.CollectionHTTP:
		return resolveHTTPCollection(ctx, src)

	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedCollection, src.Kind)
	}
}

func rangeItems(start, end, step int) []any {
	if step == 0 {
		step = 1
	}
	var out []any
	if step > 0 {
		for i := start; i < end; i += step {
			out = append(out, i)
		}
	} else {
		for i := start; i > end; i += step {
			out = append(out, i)
		}
	}
	return out
}

func toItems(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case nil:
		return nil, nil
	default:
		return []any{t}, nil
	}
}

func parseFormatted(data []byte, format workflow.CollectionFormat) ([]any, error) {
	switch format {
	case workflow.FormatJSON, "":
		var items []any
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("looprun: parse json collection: %w", err)
		}
		return items, nil

	case workflow.FormatJSONLines:
		var items []any
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var v any
			if err := json.Unmarshal([]byte(line), &v); err != nil {
				return nil, fmt.Errorf("looprun: parse jsonlines collection: %w", err)
			}
			items = append(items, v)
		}
		return items, scanner.Err()

	case workflow.FormatCSV:
		r := csv.NewReader(bytes.NewReader(data))
		records, err := r.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("looprun: parse csv collection: %w", err)
		}
		items := make([]any, len(records))
		for i, rec := range records {
			items[i] = rec
		}
		return items, nil

	case workflow.FormatLines:
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		items := make([]any, len(lines))
		for i, l := range lines {
			items[i] = l
		}
		return items, nil

	default:
		return nil, fmt.Errorf("%w: format %q", ErrUnsupportedCollection, format)
	}
}

func resolveHTTPCollection(ctx context.Context, src *workflow.CollectionSource) ([]any, error) {
	method := src.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if src.Body != "" {
		body = strings.NewReader(src.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, src.URL, body)
	if err != nil {
		return nil, fmt.Errorf("looprun: build http collection request: %w", err)
	}
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("looprun: http collection request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("looprun: read http collection response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("looprun: http collection request returned status %d", resp.StatusCode)
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("looprun: parse http collection body: %w", err)
	}
	if src.JSONPath != "" {
		decoded, err = extractJSONPath(decoded, src.JSONPath)
		if err != nil {
			return nil, err
		}
	}
	return toItems(decoded)
}

// extractJSONPath walks a dotted path (e.g. "data.items") through decoded
// JSON, indexing into maps by key.
func extractJSONPath(v any, path string) (any, error) {
	cur := v
	for _, segment := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("looprun: json_path %q: %q is not an object", path, segment)
		}
		next, ok := m[segment]
		if !ok {
			return nil, fmt.Errorf("looprun: json_path %q: key %q not found", path, segment)
		}
		cur = next
	}
	return cur, nil
}
