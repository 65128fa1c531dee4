// Package progress renders scan events as a terminal progress bar.
package progress

import (
	"context"
	"io"

	"github.com/kozaktomas/face-clusterer/internal/events"
	"github.com/schollz/progressbar/v3"
)

func newBar(total int, w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Detecting faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
}

// Render draws progress events from ch until a completed event arrives, the
// channel closes or ctx is done. It returns the completion summary, if any.
func Render(ctx context.Context, ch <-chan events.Event, total int, w io.Writer) (*events.CompletedData, error) {
	bar := newBar(total, w)
	defer io.WriteString(w, "\n")

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil, nil
			}
			switch data := ev.Data.(type) {
			case events.ProgressData:
				if data.Total != total && data.Total > 0 {
					total = data.Total
					bar.ChangeMax(total)
				}
				bar.Set(data.Current)
			case events.CompletedData:
				bar.Set(data.Completed + data.Failed)
				bar.Finish()
				return &data, nil
			}
		}
	}
}
