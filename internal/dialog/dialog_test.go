package dialog

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/prunebox/internal/prune"
)

func waitPending(t *testing.T, b *Broker, key string) Dialog {
	t.Helper()
	var d Dialog
	require.Eventually(t, func() bool {
		var ok bool
		d, ok = b.Get(key)
		return ok
	}, 2*time.Second, time.Millisecond)
	return d
}

func TestBrokerAnswer(t *testing.T) {
	b := NewBroker(time.Minute, nil)
	events, cancel := b.Subscribe(8)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		ok, err := b.Confirm(context.Background(), "confirm-1", prune.Stats{TotalPayloads: 3}, nil)
		assert.NoError(t, err)
		result <- ok
	}()

	d := waitPending(t, b, "confirm-1")
	assert.Equal(t, KindConfirm, d.Kind)
	assert.Equal(t, 3, d.Count)
	assert.Len(t, b.Pending(), 1)

	require.NoError(t, b.Answer("confirm-1", true))
	assert.True(t, <-result)
	assert.ErrorIs(t, b.Answer("confirm-1", false), ErrUnknownDialog)
	assert.Empty(t, b.Pending())

	opened := <-events
	closed := <-events
	assert.Equal(t, EventOpened, opened.Type)
	assert.Equal(t, EventClosed, closed.Type)
	require.NotNil(t, closed.OK)
	assert.True(t, *closed.OK)
}

func TestBrokerTimeoutMeansNo(t *testing.T) {
	b := NewBroker(10*time.Millisecond, nil)
	ok, err := b.Preflight(context.Background(), "preflight-1", 500)
	assert.NoError(t, err)
	assert.False(t, ok)
	_, open := b.Get("preflight-1")
	assert.False(t, open)
}

func TestBrokerCancel(t *testing.T) {
	b := NewBroker(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	ok, err := b.Preflight(ctx, "preflight-2", 500)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestBrokerAcceptedAnswerWinsOverCancel(t *testing.T) {
	b := NewBroker(time.Minute, nil)
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		type outcome struct {
			ok  bool
			err error
		}
		result := make(chan outcome, 1)
		go func() {
			ok, err := b.Preflight(ctx, "preflight-race", 1)
			result <- outcome{ok, err}
		}()
		waitPending(t, b, "preflight-race")

		go cancel()
		answerErr := b.Answer("preflight-race", true)
		got := <-result
		if answerErr == nil {
			require.NoError(t, got.err, "iteration %d", i)
			require.True(t, got.ok, "iteration %d", i)
		} else {
			require.ErrorIs(t, answerErr, ErrUnknownDialog)
			require.False(t, got.ok, "iteration %d", i)
		}
		cancel()
	}
	assert.Empty(t, b.Pending())
}

func TestBrokerCloseRefusesOpenDialogs(t *testing.T) {
	b := NewBroker(time.Minute, nil)
	events, _ := b.Subscribe(4)
	result := make(chan bool, 1)
	go func() {
		ok, _ := b.Preflight(context.Background(), "preflight-3", 1)
		result <- ok
	}()
	waitPending(t, b, "preflight-3")

	b.Close()
	assert.False(t, <-result)
	_, err := b.Preflight(context.Background(), "preflight-4", 1)
	assert.ErrorIs(t, err, ErrClosed)

	for range events {
	}
}

func TestTerminalReadsYes(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("yes\n"), &out, 0, time.Minute)
	stats := prune.Stats{AffectedRecords: 1, TotalPayloads: 2, TotalBytes: 2048, ByExt: []prune.ExtStat{{Ext: "pdf", Count: 2, Bytes: 2048}}}
	rows := []prune.PreviewRow{{Title: "Invoices", Date: "2024-03-05 10:20:30", Payloads: []prune.PreviewPayload{{Name: "a.pdf", Size: 1024}, {Name: "b.pdf", Size: 1024}}}}

	ok, err := term.Confirm(context.Background(), "confirm-1", stats, rows)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "a.pdf (1.0 KiB)")
	assert.Contains(t, out.String(), "Back up and delete these payloads?")
}

func TestTerminalDefaultsToNo(t *testing.T) {
	for _, input := range []string{"\n", "n\n", "maybe\n", ""} {
		term := NewTerminal(strings.NewReader(input), &bytes.Buffer{}, 0, time.Minute)
		ok, err := term.Preflight(context.Background(), "preflight-1", 200)
		require.NoError(t, err, "input %q", input)
		assert.False(t, ok, "input %q", input)
	}
}

func TestTerminalUnansweredTimesOutAsNo(t *testing.T) {
	in, w := io.Pipe()
	defer w.Close()
	var out bytes.Buffer
	term := NewTerminal(in, &out, 0, 20*time.Millisecond)

	start := time.Now()
	ok, err := term.Preflight(context.Background(), "preflight-1", 200)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, out.String(), "No answer, treating as no.")
}

func TestTerminalSequentialAsksShareInput(t *testing.T) {
	in, w := io.Pipe()
	defer w.Close()
	term := NewTerminal(in, &bytes.Buffer{}, 0, time.Minute)

	go func() {
		_, _ = io.WriteString(w, "y\n")
		_, _ = io.WriteString(w, "yes\n")
	}()

	ok, err := term.Preflight(context.Background(), "preflight-1", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = term.Confirm(context.Background(), "confirm-1", prune.Stats{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTerminalLineAfterTimeoutGoesToNextAsk(t *testing.T) {
	in, w := io.Pipe()
	defer w.Close()
	term := NewTerminal(in, &bytes.Buffer{}, 0, 20*time.Millisecond)

	ok, err := term.Preflight(context.Background(), "preflight-1", 10)
	require.NoError(t, err)
	assert.False(t, ok)

	go func() { _, _ = io.WriteString(w, "yes\n") }()
	term.timeout = time.Minute
	ok, err = term.Confirm(context.Background(), "confirm-1", prune.Stats{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTerminalCancelledContext(t *testing.T) {
	in, w := io.Pipe()
	defer w.Close()
	term := NewTerminal(in, &bytes.Buffer{}, 0, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := term.Preflight(ctx, "preflight-1", 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestRenderPreviewTruncatesRows(t *testing.T) {
	rows := make([]prune.PreviewRow, 5)
	for i := range rows {
		rows[i] = prune.PreviewRow{Title: "record"}
	}
	out := RenderPreview(prune.Stats{}, rows, 2)
	assert.Contains(t, out, "... and 3 more records")
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", HumanBytes(512))
	assert.Equal(t, "1.5 KiB", HumanBytes(1536))
	assert.Equal(t, "3.0 MiB", HumanBytes(3*1024*1024))
}

func TestAssumeYes(t *testing.T) {
	ok, err := AssumeYes{}.Confirm(context.Background(), "k", prune.Stats{}, nil)
	assert.NoError(t, err)
	assert.True(t, ok)
}
