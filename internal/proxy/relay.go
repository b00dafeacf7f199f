package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/modelrelay/modelrelay/internal/providers"
)

// streamResult summarises a finished relay for logging and history.
type streamResult struct {
	Events       int
	OutputTokens int
	Err          error // terminal upstream error, nil for a clean stream
}

// relayStream copies typed stream events from the winning adapter to w, one
// SSE frame per event. Frames are never merged or split: whatever granularity
// the upstream produced is what the client sees. Each frame is flushed before
// the next event is pulled, so the channel exerts backpressure on the adapter.
//
// A write or flush failure means the client went away; the upstream request
// is cancelled and the channel drained so the producer goroutine can exit.
func relayStream(events <-chan providers.StreamEvent, cancel func(), w *bufio.Writer, onEvent func(typ string)) streamResult {
	var res streamResult

	defer func() {
		if cancel != nil {
			cancel()
		}
		for range events {
		}
	}()

	for ev := range events {
		if ev.Err != nil {
			res.Err = ev.Err
		}

		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data); err != nil {
			return res
		}
		if err := w.Flush(); err != nil {
			return res
		}

		res.Events++
		if onEvent != nil {
			onEvent(ev.Type)
		}

		if ev.Type == providers.EventMessageDelta {
			var md struct {
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(ev.Data, &md); err == nil {
				res.OutputTokens = md.Usage.OutputTokens
			}
		}
	}

	return res
}

// writeStream attaches the relay to the fasthttp response as a body stream
// writer. onComplete runs after the stream drains (or the client disconnects)
// and receives the relay summary.
func writeStream(ctx *fasthttp.RequestCtx, resp *providers.Response, onEvent func(typ string), onComplete func(streamResult)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		res := relayStream(resp.Stream, resp.Cancel, w, onEvent)
		if onComplete != nil {
			onComplete(res)
		}
	})
}
