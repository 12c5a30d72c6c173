package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewCronSchedule(t *testing.T) {
	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{schedule: "@every 15m"},
		{schedule: "*/5 * * * *"},
		{schedule: "@hourly"},
		{schedule: "every now and then", wantErr: true},
		{schedule: "* * *", wantErr: true},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			_, err := NewCron(context.Background(), tt.schedule, &fakeRunner{}, log)
			if diff := cmp.Diff(tt.wantErr, err != nil); diff != "" {
				t.Errorf("error mismatch (-want +got):\n%s (err: %v)", diff, err)
			}
		})
	}
}

func TestCronRun(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("runs the batch", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("boom")}
		c, err := NewCron(context.Background(), "@hourly", runner, log)
		if err != nil {
			t.Fatalf("new cron: %v", err)
		}
		c.run(context.Background())
		if diff := cmp.Diff(1, runner.calls); diff != "" {
			t.Errorf("run count mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("skips after shutdown", func(t *testing.T) {
		runner := &fakeRunner{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c, err := NewCron(ctx, "@hourly", runner, log)
		if err != nil {
			t.Fatalf("new cron: %v", err)
		}
		c.run(ctx)
		if diff := cmp.Diff(0, runner.calls); diff != "" {
			t.Errorf("run count mismatch (-want +got):\n%s", diff)
		}
	})
}
