package utils

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// SetupSSEHeaders 设置流式响应所需的头部。
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// SendSSEEvent writes one named SSE frame and flushes it. A nil payload
// becomes an empty object so that clients can parse every frame uniformly.
func SendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	body := []byte("{}")
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			log.Printf("[sse] failed to marshal event data: %v", err)
			return
		}
		body = encoded
	}

	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
	flusher.Flush()
}
