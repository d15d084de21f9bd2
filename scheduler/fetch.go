package scheduler

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/r3e-forks/data-core/dsl"
	"github.com/r3e-forks/data-core/errs"
)

// FetchRawItems implements the fetch half of §4.7 step 3/4 for a
// cron-driven Consumer: it reads the program's first step's source
// config, retrieves the bytes, and decodes them into one raw item per
// record (one per CSV row, or one per element of a JSON array).
func FetchRawItems(ctx context.Context, program *dsl.Program) ([]map[string]interface{}, error) {
	if len(program.Steps) == 0 {
		return nil, errs.Validation("steps", "program has no steps to fetch from")
	}
	from := program.Steps[0].From
	if from.Type != dsl.FromKindFormat || from.Source == nil || from.Format == nil {
		return nil, errs.Validation("from", "first step must be a format source for a cron-driven fetch")
	}

	body, err := fetchSourceBytes(ctx, from.Source)
	if err != nil {
		return nil, err
	}
	return decodeItems(from.Format, body)
}

func fetchSourceBytes(ctx context.Context, src *dsl.SourceConfig) ([]byte, error) {
	switch src.SourceType {
	case "uri":
		var cfg dsl.URIConfig
		if err := json.Unmarshal(src.Config, &cfg); err != nil {
			return nil, errs.Serialization(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URI, nil)
		if err != nil {
			return nil, errs.Validation("from.source.config.uri", err.Error())
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching source uri: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("source uri returned status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	case "file":
		var cfg dsl.URIConfig
		if err := json.Unmarshal(src.Config, &cfg); err != nil {
			return nil, errs.Serialization(err)
		}
		return os.ReadFile(cfg.URI)
	default:
		return nil, errs.Validation("from.source.source_type", "unsupported for scheduled fetch: "+src.SourceType)
	}
}

func decodeItems(format *dsl.FormatConfig, body []byte) ([]map[string]interface{}, error) {
	switch format.FormatType {
	case "json":
		var arr []map[string]interface{}
		if err := json.Unmarshal(body, &arr); err == nil {
			return arr, nil
		}
		var single map[string]interface{}
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, errs.Serialization(err)
		}
		return []map[string]interface{}{single}, nil

	case "csv":
		delim := ','
		if format.Delimiter != "" {
			delim = rune(format.Delimiter[0])
		}
		reader := csv.NewReader(strings.NewReader(string(body)))
		reader.Comma = delim
		rows, err := reader.ReadAll()
		if err != nil {
			return nil, errs.Serialization(err)
		}
		if len(rows) == 0 {
			return nil, nil
		}

		header := rows[0]
		start := 1
		if !format.HasHeader {
			header = make([]string, len(rows[0]))
			for i := range header {
				header[i] = fmt.Sprintf("col%d", i)
			}
			start = 0
		}

		items := make([]map[string]interface{}, 0, len(rows)-start)
		for _, row := range rows[start:] {
			item := make(map[string]interface{}, len(header))
			for i, col := range header {
				if i < len(row) {
					item[col] = row[i]
				}
			}
			items = append(items, item)
		}
		return items, nil

	default:
		return nil, errs.Validation("from.format.format_type", "unsupported: "+format.FormatType)
	}
}
