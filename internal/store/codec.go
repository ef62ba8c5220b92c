package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal")
	}
	return string(b), nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(data, v), "store: unmarshal")
}

// nullable maps "" to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func limitOr(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}

func utc(t time.Time) time.Time { return t.UTC() }
