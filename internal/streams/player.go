package streams

import (
	"context"
	"errors"
	"image"

	"github.com/bryanchriswhite/framelink/internal/output"
	"github.com/bryanchriswhite/framelink/internal/preview"
)

// play feeds the test pattern until ctx ends, the stream stops or limit
// frames have been fed. It is paced by the hardware: in async mode one new
// frame per completed frame, in manual mode just enough to keep the queue
// below its cap.
func (s *stream) play(ctx context.Context, limit int64) {
	defer close(s.done)

	cfg := s.out.Config()
	buf := make([]byte, s.gen.FrameBytes())
	snapshot := func() (*image.RGBA, error) { return s.gen.Image(), nil }

	var count int64
	for ; limit <= 0 || count < limit; count++ {
		if ctx.Err() != nil {
			return
		}
		bcd, err := s.gen.Render(buf, count)
		if err != nil {
			s.log.Error().Err(err).Int64("frame", count).Msg("Test pattern render failed")
			return
		}
		s.out.FeedFrame(buf, bcd)
		s.syncQueued()
		if err := s.preview.Offer(snapshot); err != nil && !errors.Is(err, preview.ErrClosed) {
			s.log.Debug().Err(err).Msg("Preview encode failed")
		}

		if s.out.State() != output.Running {
			return
		}
		st := s.out.Stats()
		target := st.Completed + 1
		if cfg.Playback == output.Manual {
			target = st.Queued - int64(cfg.MaxBuffered) + 1
		}
		if target > 0 && ctx.Err() == nil {
			s.out.WaitFrameCompletion(target)
		}
	}

	s.log.Info().Int64("frames", count).Msg("Test pattern finished")
	ev := s.event(EventPatternDone)
	ev.Frame = count
	s.publish(ev)
}
