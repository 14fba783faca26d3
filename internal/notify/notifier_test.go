package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name   string
	fail   bool
	alerts []Alert
}

func (r *recordingSender) Send(ctx context.Context, a Alert) error {
	if r.fail {
		return errors.New("delivery failed")
	}
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingSender) Name() string { return r.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersByEvent(t *testing.T) {
	sender := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{sender}, []string{"execution"}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), "execution", "unhedged exposure", "token yes: buy 30 could not be flattened"))
	require.NoError(t, n.Notify(context.Background(), "position_opened", "entry", "tok-1"))

	require.Len(t, sender.alerts, 1)
	require.Equal(t, "execution", sender.alerts[0].Event)
	require.Equal(t, "unhedged exposure", sender.alerts[0].Title)
	require.False(t, sender.alerts[0].Time.IsZero())
}

func TestNotifyAllBypassesFilter(t *testing.T) {
	sender := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{sender}, []string{"execution"}, quietLogger())

	require.NoError(t, n.NotifyAll(context.Background(), "shutdown", "trading halted"))
	require.Len(t, sender.alerts, 1)
	require.Equal(t, "alert", sender.alerts[0].Event)
}

func TestFailedSenderDoesNotBlockOthers(t *testing.T) {
	bad := &recordingSender{name: "bad", fail: true}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.Notify(context.Background(), "execution", "title", "message")
	require.Error(t, err)
	require.Len(t, good.alerts, 1)
}
