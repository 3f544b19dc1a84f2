package changes

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// SSE event name for README changes.
const SSEEventName = "readme"

// WriteSSE writes ev as a Server-Sent Events frame and flushes w.
func WriteSSE(w *bufio.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", SSEEventName, data); err != nil {
		return err
	}
	return w.Flush()
}

// WriteSSEComment writes an SSE comment line, used for the connect banner
// and heartbeats.
func WriteSSEComment(w *bufio.Writer, text string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return err
	}
	return w.Flush()
}
