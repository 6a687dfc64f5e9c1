package backend

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Normalize turns an engine response into records. Both the paginated
// {"results": [...]} object and a bare list are accepted.
func Normalize(raw []byte) ([]Record, error) {
	records, _, err := decodePage(raw)
	return records, err
}

// decodePage is Normalize that also reports the "next" page link, if any.
func decodePage(raw []byte) ([]Record, string, error) {
	if !gjson.ValidBytes(raw) {
		return nil, "", fmt.Errorf("decode memories: invalid JSON")
	}

	root := gjson.ParseBytes(raw)
	var (
		list gjson.Result
		next string
	)
	switch {
	case root.IsArray():
		list = root
	case root.IsObject():
		list = root.Get("results")
		next = root.Get("next").String()
		if !list.Exists() || list.Type == gjson.Null {
			return nil, next, nil
		}
		if !list.IsArray() {
			return nil, "", fmt.Errorf("decode memories: results is %s, not a list", list.Type)
		}
	default:
		return nil, "", fmt.Errorf("decode memories: unexpected %s payload", root.Type)
	}

	records := make([]Record, 0, len(list.Array()))
	for _, item := range list.Array() {
		if !item.IsObject() {
			continue
		}
		rec := Record{
			ID:        item.Get("id").String(),
			Memory:    item.Get("memory").String(),
			UserID:    item.Get("user_id").String(),
			CreatedAt: item.Get("created_at").String(),
		}
		if meta := item.Get("metadata"); meta.IsObject() {
			if err := json.Unmarshal([]byte(meta.Raw), &rec.Metadata); err != nil {
				return nil, "", fmt.Errorf("decode memory %s metadata: %w", rec.ID, err)
			}
		}
		records = append(records, rec)
	}
	return records, next, nil
}
