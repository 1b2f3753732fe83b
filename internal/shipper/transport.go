package shipper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"

	"github.com/yourorg/annotrack/pkg/types"
)

// ErrNoAcknowledgment means the collector answered 2xx but the body was
// not a non-empty JSON object. The batch must be retried.
var ErrNoAcknowledgment = errors.New("shipper: no acknowledgment")

// Transport delivers one batch and returns the collector's
// acknowledgment. Any error leaves the batch queued.
type Transport interface {
	Send(ctx context.Context, api, token string, batch []types.LogEntry) (types.Ack, error)
}

// HTTPTransport posts batches as a JSON array.
type HTTPTransport struct {
	HTTPClient *http.Client
	// Compress gzips request bodies.
	Compress bool
}

func (t *HTTPTransport) Send(ctx context.Context, api, token string, batch []types.LogEntry) (types.Ack, error) {
	client := t.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	endpoint := strings.TrimRight(api, "/") + types.LogPath

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if t.Compress {
		if body, err = gzipBytes(body); err != nil {
			return nil, fmt.Errorf("compress batch: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(types.TokenHeader, token)
	if t.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("collector status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return parseAck(data)
}

// parseAck accepts any non-empty JSON object. Values that are arrays
// of integers are kept as acknowledged sequence ids.
func parseAck(data []byte) (types.Ack, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrNoAcknowledgment)
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: body is not an object", ErrNoAcknowledgment)
	}
	ack := types.Ack{}
	res.ForEach(func(key, value gjson.Result) bool {
		var ids []int64
		for _, v := range value.Array() {
			if v.Type == gjson.Number {
				ids = append(ids, v.Int())
			}
		}
		ack[key.String()] = ids
		return true
	})
	if len(ack) == 0 {
		return nil, fmt.Errorf("%w: empty object", ErrNoAcknowledgment)
	}
	return ack, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
