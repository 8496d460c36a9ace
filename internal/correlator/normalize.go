package correlator

import (
	"bytes"
	"encoding/json"
	"strings"
)

// normalize turns a non-null tools/call result into a Result. The result's
// content items contribute their text, one per line; items without text
// contribute their JSON.
func normalize(tool string, raw json.RawMessage) *Result {
	res := &Result{Tool: tool, Message: tool + " executed successfully", Data: raw}
	if isInfoTool(tool) {
		res.Message = tool + " completed"
	}

	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return res
	}
	content := bytes.TrimSpace(body.Content)
	if len(content) == 0 || string(content) == "null" {
		return res
	}

	if content[0] == '[' {
		var items []json.RawMessage
		if json.Unmarshal(content, &items) == nil {
			parts := make([]string, 0, len(items))
			for _, item := range items {
				parts = append(parts, itemText(item))
			}
			res.Content = strings.Join(parts, "\n")
			return res
		}
	}
	res.Content = itemText(content)
	return res
}

func itemText(item json.RawMessage) string {
	var v struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(item, &v) == nil && v.Text != "" {
		return v.Text
	}
	var buf bytes.Buffer
	if json.Compact(&buf, item) != nil {
		return string(item)
	}
	return buf.String()
}

// isInfoTool reports whether tool only reads state, e.g. list-lights.
func isInfoTool(tool string) bool {
	return strings.Contains(tool, "list") || strings.Contains(tool, "get")
}
