package coordinator

import (
	"context"
	"fmt"
)

// PropertyResult holds one live property read.
type PropertyResult struct {
	Key       string      `json:"key"`
	Signature string      `json:"signature"`
	Value     interface{} `json:"value"`
	Known     bool        `json:"known"`
	Error     string      `json:"error,omitempty"`
}

// ReadProperties reads properties of the device at index directly from the
// daemon, without touching the registry. With no keys, the refresh set is read.
func (c *Coordinator) ReadProperties(ctx context.Context, index int, keys []string) ([]PropertyResult, error) {
	path, err := c.resolve(index)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		keys = refreshProperties
	}

	results := make([]PropertyResult, 0, len(keys))
	for _, key := range keys {
		_, known := deviceProperties[key]
		result := PropertyResult{Key: key, Known: known}
		v, err := c.bus.ReadProperty(ctx, path, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: read %s: %w", ErrTransport, key, err)
			}
			result.Error = err.Error()
		} else {
			result.Signature = v.Signature()
			result.Value = propertyValue(v)
		}
		results = append(results, result)
	}
	return results, nil
}
