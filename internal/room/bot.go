package room

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

func botName(i int) string { return fmt.Sprintf("bot%d", i) }

// runBot simulates one computer-controlled racer. The task never touches
// room state: each tick it converts its target speed into whole characters
// via a fractional accumulator and submits the advance as an intent, which
// the room loop applies and clamps. The task exits at its next tick
// boundary when the race context is cancelled, or once it has covered the
// whole passage.
func (r *Room) runBot(ctx context.Context, name string, speedWPM float64, passageLen int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("bot task panic",
				zap.String("bot", name),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	cps := speedWPM * 5 / 60
	tickSeconds := r.cfg.BotTick.Seconds()
	ticker := time.NewTicker(r.cfg.BotTick)
	defer ticker.Stop()

	acc := 0.0
	pos := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			acc += cps * tickSeconds
			advance := int(acc)
			acc -= float64(advance)
			if advance == 0 {
				continue
			}
			select {
			case r.inbox <- command{kind: cmdBotAdvance, name: name, advance: advance}:
			case <-ctx.Done():
				return
			}
			pos += advance
			if pos >= passageLen {
				return
			}
		}
	}
}
