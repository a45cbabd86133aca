package polltick

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/herr"
	"github.com/JakeFAU/hel/internal/hevent"
)

// emit enforces max_line_bytes (truncate/skip/fail) then offers the line to
// the output sink, mirroring poll.rs's emit_event_line. It returns false
// when the event was skipped and should not count toward eventsEmitted.
func (t *Tick) emit(ctx context.Context, sourceID string, cfg hconfig.SourceConfig, env hevent.Envelope) bool {
	line, err := env.Line()
	if err != nil {
		t.Logger.Warn("failed to render event envelope", zap.String("source_id", sourceID), zap.Error(err))
		return false
	}

	if cfg.MaxLineBytes > 0 && int64(len(line)) > cfg.MaxLineBytes {
		switch cfg.OnLineTooLarge {
		case hconfig.OnLineFail:
			t.Logger.Error("event line exceeds max_line_bytes", zap.String("source_id", sourceID), zap.Int("line_bytes", len(line)))
			return false
		case hconfig.OnLineTruncate:
			line = line[:cfg.MaxLineBytes] // not valid JSON once cut; emitted as-is per spec's truncate mode
		default: // skip
			return false
		}
	}

	if err := t.Output.OfferLine(ctx, sourceID, line); err != nil {
		t.Logger.Warn("output sink rejected event line", zap.String("source_id", sourceID), zap.Error(err))
		return false
	}
	return true
}

// storeSetOrSkip reports whether a state write failure should fail the
// tick or be swallowed, per poll.rs's store_set_or_skip.
func storeSetOrSkip(cfg hconfig.SourceConfig, emitWithoutCheckpoint bool, err error) error {
	if err == nil {
		return nil
	}
	if cfg.OnStateWriteError == "skip_checkpoint" || emitWithoutCheckpoint {
		return nil
	}
	return herr.New(herr.KindStateWrite, cfg.ID, err)
}
