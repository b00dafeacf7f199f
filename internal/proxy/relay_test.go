package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/providers"
)

func collectFrames(t *testing.T, out string) []string {
	t.Helper()
	frames := strings.Split(strings.TrimSuffix(out, "\n\n"), "\n\n")
	if len(frames) == 1 && frames[0] == "" {
		return nil
	}
	return frames
}

func TestRelayStream_OneFramePerEvent(t *testing.T) {
	ch := make(chan providers.StreamEvent, 8)
	ch <- providers.MessageStartEvent("msg_1", "model-a", providers.Usage{InputTokens: 3})
	ch <- providers.ContentBlockStartEvent(0)
	ch <- providers.TextDeltaEvent(0, "hello ")
	ch <- providers.TextDeltaEvent(0, "world")
	ch <- providers.ContentBlockStopEvent(0)
	ch <- providers.MessageDeltaEvent("end_turn", providers.Usage{OutputTokens: 2})
	ch <- providers.MessageStopEvent()
	close(ch)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	var seen []string
	res := relayStream(ch, nil, w, func(typ string) { seen = append(seen, typ) })

	if res.Err != nil {
		t.Fatalf("unexpected stream error: %v", res.Err)
	}
	if res.Events != 7 {
		t.Errorf("expected 7 events relayed, got %d", res.Events)
	}
	if res.OutputTokens != 2 {
		t.Errorf("expected output tokens 2 from message_delta, got %d", res.OutputTokens)
	}

	frames := collectFrames(t, buf.String())
	if len(frames) != 7 {
		t.Fatalf("expected 7 SSE frames, got %d: %q", len(frames), buf.String())
	}

	wantOrder := []string{
		providers.EventMessageStart,
		providers.EventContentBlockStart,
		providers.EventContentBlockDelta,
		providers.EventContentBlockDelta,
		providers.EventContentBlockStop,
		providers.EventMessageDelta,
		providers.EventMessageStop,
	}
	for i, typ := range wantOrder {
		if !strings.HasPrefix(frames[i], "event: "+typ+"\n") {
			t.Errorf("frame %d: expected event %q, got %q", i, typ, frames[i])
		}
		if !strings.Contains(frames[i], "\ndata: {") {
			t.Errorf("frame %d: missing data line: %q", i, frames[i])
		}
	}
	if len(seen) != 7 || seen[0] != providers.EventMessageStart {
		t.Errorf("onEvent callback saw %v", seen)
	}
}

func TestRelayStream_ErrorEventIsTerminal(t *testing.T) {
	cause := errors.New("upstream reset")
	ch := make(chan providers.StreamEvent, 4)
	ch <- providers.MessageStartEvent("msg_1", "model-a", providers.Usage{})
	ch <- providers.TextDeltaEvent(0, "partial")
	ch <- providers.StreamErrorEvent(cause)
	close(ch)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	res := relayStream(ch, nil, w, nil)

	if res.Err == nil || res.Err.Error() != "upstream reset" {
		t.Fatalf("expected stream error to be surfaced, got %v", res.Err)
	}

	frames := collectFrames(t, buf.String())
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	last := frames[len(frames)-1]
	if !strings.HasPrefix(last, "event: error\n") {
		t.Errorf("expected terminal error frame, got %q", last)
	}
	if !strings.Contains(last, "upstream reset") {
		t.Errorf("error frame should carry the message, got %q", last)
	}
}

func TestRelayStream_CancelsUpstream(t *testing.T) {
	ch := make(chan providers.StreamEvent, 2)
	ch <- providers.MessageStopEvent()
	close(ch)

	cancelled := false
	var buf bytes.Buffer
	relayStream(ch, func() { cancelled = true }, bufio.NewWriter(&buf), nil)

	if !cancelled {
		t.Error("expected upstream cancel after the stream drained")
	}
}

// failAfterWriter accepts limit bytes, then errors on every write. Stands in
// for a client connection that dropped mid-stream.
type failAfterWriter struct {
	n     int
	limit int
}

func (w *failAfterWriter) Write(p []byte) (int, error) {
	w.n += len(p)
	if w.n > w.limit {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestRelayStream_SinkFailureCancelsAndDrains(t *testing.T) {
	ch := make(chan providers.StreamEvent)
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		defer close(ch)
		for i := 0; i < 1000; i++ {
			ch <- providers.TextDeltaEvent(0, "chunk")
		}
	}()

	cancelled := false
	w := bufio.NewWriter(&failAfterWriter{limit: 64})
	res := relayStream(ch, func() { cancelled = true }, w, nil)

	if !cancelled {
		t.Error("expected upstream cancel after the sink failed")
	}
	select {
	case <-producerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked; relay did not drain the channel")
	}
	if res.Events >= 1000 {
		t.Errorf("expected the relay to stop early, relayed %d events", res.Events)
	}
}

func TestRelayStream_EmptyStream(t *testing.T) {
	ch := make(chan providers.StreamEvent)
	close(ch)

	var buf bytes.Buffer
	res := relayStream(ch, nil, bufio.NewWriter(&buf), nil)

	if res.Events != 0 || res.Err != nil {
		t.Errorf("expected empty result, got %+v", res)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
