package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/AnchorLoop/internal/conversation"
	"github.com/BTreeMap/AnchorLoop/internal/models"
	"github.com/BTreeMap/AnchorLoop/internal/speech"
	"github.com/BTreeMap/AnchorLoop/internal/testutil"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type inputEvents struct {
	mu     sync.Mutex
	finals []string
	errs   []speech.ErrorCode
}

func (e *inputEvents) handlers() speech.InputHandlers {
	return speech.InputHandlers{
		OnUtteranceFinal: func(_ speech.SessionID, text string) {
			e.mu.Lock()
			e.finals = append(e.finals, text)
			e.mu.Unlock()
		},
		OnError: func(_ speech.SessionID, code speech.ErrorCode) {
			e.mu.Lock()
			e.errs = append(e.errs, code)
			e.mu.Unlock()
		},
	}
}

func (e *inputEvents) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.finals) + len(e.errs)
}

func newPipePlatform(t *testing.T, opts ...Option) (*Platform, *io.PipeWriter, *safeBuffer) {
	t.Helper()
	r, w := io.Pipe()
	out := &safeBuffer{}
	p := New(r, out, opts...)
	t.Cleanup(func() { _ = w.Close() })
	return p, w, out
}

func writeLine(t *testing.T, w io.Writer, line string) {
	t.Helper()
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestLineBecomesFinalUtterance(t *testing.T) {
	p, w, out := newPipePlatform(t)
	in := speech.NewInput(p)
	events := &inputEvents{}
	in.SetHandlers(events.handlers())

	if _, err := in.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	writeLine(t, w, "  I need a meeting tonight ")

	if !testutil.Eventually(func() bool { return events.count() == 1 }, time.Second) {
		t.Fatal("expected one final utterance")
	}
	if events.finals[0] != "I need a meeting tonight" {
		t.Errorf("unexpected transcript %q", events.finals[0])
	}
	if in.Active() {
		t.Error("session should be released after the final result")
	}
	if !strings.Contains(out.String(), DefaultPrompt) {
		t.Errorf("expected prompt in output, got %q", out.String())
	}
}

func TestEmptyLineIsNoSpeech(t *testing.T) {
	p, w, _ := newPipePlatform(t)
	in := speech.NewInput(p)
	events := &inputEvents{}
	in.SetHandlers(events.handlers())

	if _, err := in.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	writeLine(t, w, "   ")

	if !testutil.Eventually(func() bool { return events.count() == 1 }, time.Second) {
		t.Fatal("expected one terminal event")
	}
	if len(events.errs) != 1 || events.errs[0] != speech.CodeNoSpeech {
		t.Errorf("expected no-speech, got %v", events.errs)
	}
}

func TestLinesTypedBeforeListeningAreQueued(t *testing.T) {
	p, w, _ := newPipePlatform(t)
	writeLine(t, w, "first")
	if !testutil.Eventually(func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.pending) == 1
	}, time.Second) {
		t.Fatal("expected the line to be queued")
	}

	in := speech.NewInput(p)
	events := &inputEvents{}
	in.SetHandlers(events.handlers())
	if _, err := in.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !testutil.Eventually(func() bool { return events.count() == 1 }, time.Second) {
		t.Fatal("expected the queued line to be heard")
	}
	if events.finals[0] != "first" {
		t.Errorf("unexpected transcript %q", events.finals[0])
	}
}

func TestStoppedSessionLeavesLineForNext(t *testing.T) {
	p, w, _ := newPipePlatform(t)
	in := speech.NewInput(p)
	events := &inputEvents{}
	in.SetHandlers(events.handlers())

	if _, err := in.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	in.Stop()
	if !testutil.Eventually(func() bool { return !in.Draining() }, time.Second) {
		t.Fatal("expected the stopped session to report its end")
	}
	writeLine(t, w, "later")
	if _, err := in.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if !testutil.Eventually(func() bool { return events.count() == 1 }, time.Second) {
		t.Fatal("expected the line to reach the second session")
	}
	if len(events.finals) != 1 || events.finals[0] != "later" {
		t.Errorf("unexpected events %+v", events.finals)
	}
}

func TestQuitEndsInput(t *testing.T) {
	p, w, _ := newPipePlatform(t)
	in := speech.NewInput(p)
	events := &inputEvents{}
	in.SetHandlers(events.handlers())

	if _, err := in.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	writeLine(t, w, QuitCommand)

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to close after the quit command")
	}
	if !testutil.Eventually(func() bool { return events.count() == 1 }, time.Second) {
		t.Fatal("expected the open session to be aborted")
	}
	if events.errs[0] != speech.CodeAborted {
		t.Errorf("expected aborted, got %v", events.errs[0])
	}
	if _, err := in.Start(); !errors.Is(err, ErrInputClosed) {
		t.Errorf("expected ErrInputClosed, got %v", err)
	}
}

func TestSpeakPrintsAndCompletes(t *testing.T) {
	p, _, out := newPipePlatform(t, WithWordDuration(0), WithSpeakerName("Sponsor"))
	o := speech.NewOutput(p)
	done := make(chan uint64, 1)
	o.OnSpeechComplete(func(token uint64) { done <- token })
	o.Unlock()

	if got := o.Settings().VoiceID; got != Voice.ID {
		t.Errorf("expected console voice to be selected, got %q", got)
	}
	token, err := o.Speak("Call your sponsor today.")
	if err != nil {
		t.Fatalf("Speak failed: %v", err)
	}
	select {
	case got := <-done:
		if got != token {
			t.Errorf("expected token %d, got %d", token, got)
		}
	case <-time.After(time.Second):
		t.Fatal("speech never completed")
	}
	if !strings.Contains(out.String(), "Sponsor: Call your sponsor today.\n") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestCancelSuppressesCompletion(t *testing.T) {
	p, _, _ := newPipePlatform(t, WithWordDuration(time.Hour))
	fired := make(chan uint64, 1)
	p.SetHandlers(speech.SynthesisHandlers{OnDone: func(token uint64) { fired <- token }})

	if err := p.Speak(speech.SpeechRequest{Token: 7, Text: "a long reply", Rate: 1}); err != nil {
		t.Fatalf("Speak failed: %v", err)
	}
	p.Cancel()
	p.finishSpeech(7)

	select {
	case tok := <-fired:
		t.Fatalf("cancelled utterance reported completion %d", tok)
	default:
	}
}

type cannedEngine struct{ text string }

func (e cannedEngine) GetReply(context.Context, string) models.ReplyResult {
	return models.ReplyResult{Text: e.text, Sentiment: "neutral"}
}

func TestConversationOverConsole(t *testing.T) {
	p, w, out := newPipePlatform(t, WithWordDuration(0))
	loop := conversation.NewLoop(speech.NewInput(p), speech.NewOutput(p), cannedEngine{text: "One day at a time."})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = loop.Run(ctx)
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	writeLine(t, w, "I'm struggling today")

	if !testutil.Eventually(func() bool {
		return strings.Contains(out.String(), "M.A.T.T.: One day at a time.\n")
	}, 2*time.Second) {
		t.Fatalf("reply never printed, output %q", out.String())
	}
	if !testutil.Eventually(func() bool {
		st := loop.Status()
		return st.State == models.StateListening && st.LastHeard == "I'm struggling today"
	}, 2*time.Second) {
		t.Fatalf("expected to be listening again, status %+v", loop.Status())
	}
}
