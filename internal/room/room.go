// Package room implements the authoritative race state machine. Each Room
// is an actor: a single goroutine consumes commands from an inbox, mutates
// the player set, and publishes events to every subscriber. Nothing outside
// that goroutine touches room state, so rooms need no internal locks.
package room

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/typerace/server/internal/observability"
	"github.com/typerace/server/internal/types"
	"github.com/typerace/server/internal/wpm"
)

const (
	keyWindowSpan  = 100 * time.Millisecond
	keyWindowLimit = 20
)

// PassageProvider supplies the text a race is run over.
type PassageProvider interface {
	Random(ctx context.Context) string
}

// Config carries the tunables a room needs. Zero values fall back to the
// production defaults.
type Config struct {
	CountdownDelay time.Duration
	TickInterval   time.Duration
	BotTick        time.Duration
	MaxHumans      int
	FieldSize      int
	SubscriberBuf  int
	ReapAfter      time.Duration
}

func (c Config) withDefaults() Config {
	if c.CountdownDelay <= 0 {
		c.CountdownDelay = 3 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.BotTick <= 0 {
		c.BotTick = 100 * time.Millisecond
	}
	if c.MaxHumans <= 0 {
		c.MaxHumans = 5
	}
	if c.FieldSize <= 0 {
		c.FieldSize = 5
	}
	if c.SubscriberBuf <= 0 {
		c.SubscriberBuf = 64
	}
	if c.ReapAfter <= 0 {
		c.ReapAfter = 5 * time.Minute
	}
	return c
}

type player struct {
	name       string
	isBot      bool
	botSpeed   float64
	position   int
	errors     int
	joinedAt   time.Time
	finishedAt time.Time
	window     keyWindow
	subID      string
}

func (p *player) finished() bool { return !p.finishedAt.IsZero() }

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdKey
	cmdReset
	cmdLeave
	cmdBotAdvance
)

type command struct {
	kind    cmdKind
	sub     *Subscriber
	subID   string
	name    string
	ch      byte
	advance int
	resp    chan error
}

type Room struct {
	Name string

	cfg      Config
	provider PassageProvider
	logger   *zap.Logger
	metrics  *observability.Metrics
	onEmpty  func(name string)

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan command

	occupants atomic.Int32

	// Everything below is owned by the loop goroutine.
	state       types.RoomState
	passage     string
	players     []*player
	byName      map[string]*player
	bySub       map[string]*player
	subs        map[string]*Subscriber
	countdownAt time.Time
	startedAt   time.Time
	idleSince   time.Time
	raceCancel  context.CancelFunc
	rng         *rand.Rand
}

// New creates a room and starts its actor loop. onEmpty is invoked (on its
// own goroutine) whenever the room has no players and no subscribers left.
func New(ctx context.Context, name string, cfg Config, provider PassageProvider, logger *zap.Logger, metrics *observability.Metrics, onEmpty func(string)) *Room {
	if ctx == nil {
		ctx = context.Background()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r := &Room{
		Name:     name,
		cfg:      cfg.withDefaults(),
		provider: provider,
		logger:   logger.With(zap.String("room", name)),
		metrics:  metrics,
		onEmpty:  onEmpty,
		ctx:      loopCtx,
		cancel:   cancel,
		inbox:    make(chan command, 256),
		state:    types.StateWaiting,
		byName:   make(map[string]*player),
		bySub:    make(map[string]*player),
		subs:     make(map[string]*Subscriber),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.idleSince = time.Now()
	go r.loop()
	return r
}

// Stop cancels the actor loop and all bot tasks.
func (r *Room) Stop() { r.cancel() }

// Empty reports whether the room has neither players nor subscribers. Safe
// to call from any goroutine.
func (r *Room) Empty() bool { return r.occupants.Load() == 0 }

// Join admits a subscriber under the given display name. It blocks until
// the room loop has processed the request and returns the rejection, if
// any, as an *types.AppError.
func (r *Room) Join(sub *Subscriber, name string) error {
	resp := make(chan error, 1)
	cmd := command{kind: cmdJoin, sub: sub, subID: sub.ID, name: name, resp: resp}
	select {
	case r.inbox <- cmd:
	case <-r.ctx.Done():
		return types.NewError(types.ErrInternal, "room stopped")
	}
	select {
	case err := <-resp:
		return err
	case <-r.ctx.Done():
		return types.NewError(types.ErrInternal, "room stopped")
	}
}

// Key submits a keystroke attempt. Validation results are delivered on the
// subscriber's channel, never returned.
func (r *Room) Key(subID string, ch byte) {
	r.submit(command{kind: cmdKey, subID: subID, ch: ch})
}

// Reset asks to return from Finished to Waiting.
func (r *Room) Reset(subID string) {
	r.submit(command{kind: cmdReset, subID: subID})
}

// Leave removes the subscriber and its player. The connection handler calls
// this on socket close; it is the sole source of truth for player removal.
func (r *Room) Leave(subID string) {
	r.submit(command{kind: cmdLeave, subID: subID})
}

func (r *Room) submit(cmd command) {
	select {
	case r.inbox <- cmd:
	case <-r.ctx.Done():
	}
}

func (r *Room) loop() {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case cmd := <-r.inbox:
			r.execute(cmd)
		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

// execute runs one command with panic isolation: a fault is surfaced as
// Error{internal} to the offending subscriber only and the room keeps
// serving everyone else.
func (r *Room) execute(cmd command) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("room command panic",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			if cmd.resp != nil {
				select {
				case cmd.resp <- types.NewError(types.ErrInternal, "internal error"):
				default:
				}
			} else if sub, ok := r.subs[cmd.subID]; ok {
				r.sendError(sub, types.ErrInternal, "internal error")
			}
		}
	}()

	switch cmd.kind {
	case cmdJoin:
		cmd.resp <- r.handleJoin(cmd.sub, cmd.name)
	case cmdKey:
		r.handleKey(cmd.subID, cmd.ch)
	case cmdReset:
		r.handleReset(cmd.subID)
	case cmdLeave:
		r.handleLeave(cmd.subID)
	case cmdBotAdvance:
		r.handleBotAdvance(cmd.name, cmd.advance)
	}
	r.occupants.Store(int32(len(r.players) + len(r.subs)))
}

func (r *Room) tick(now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("room tick panic",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	if r.state == types.StateCountdown && !now.Before(r.countdownAt) {
		r.startRace(now)
	}
	if r.state == types.StateWaiting && len(r.players) == 0 && now.Sub(r.idleSince) > r.cfg.ReapAfter {
		r.notifyEmpty()
	}
}

func validName(name string) bool {
	runes := []rune(name)
	if len(runes) < 1 || len(runes) > 32 {
		return false
	}
	for _, c := range runes {
		if !unicode.IsPrint(c) {
			return false
		}
	}
	return true
}

func (r *Room) handleJoin(sub *Subscriber, name string) error {
	if _, ok := r.bySub[sub.ID]; ok {
		r.reject("wrong_state")
		return types.NewError(types.ErrWrongState, "connection already joined")
	}
	if !validName(name) {
		r.reject("name_invalid")
		return types.NewError(types.ErrNameInvalid, "name must be 1-32 printable characters")
	}
	if _, ok := r.byName[name]; ok {
		r.reject("name_taken")
		return types.NewError(types.ErrNameTaken, "name already in use")
	}
	if r.state != types.StateWaiting {
		r.reject("wrong_state")
		return types.NewError(types.ErrWrongState, "race already underway")
	}
	if r.humanCount() >= r.cfg.MaxHumans {
		r.reject("room_full")
		return types.NewError(types.ErrRoomFull, "room is full")
	}

	p := &player{name: name, joinedAt: time.Now(), subID: sub.ID}
	r.players = append(r.players, p)
	r.byName[name] = p
	r.bySub[sub.ID] = p
	r.subs[sub.ID] = sub

	r.logger.Info("player joined", zap.String("player", name))
	r.publish(types.ServerMsg{Lobby: &types.Lobby{Players: r.roster()}})

	if r.humanCount() >= 2 {
		r.startCountdown()
	}
	return nil
}

func (r *Room) startCountdown() {
	r.passage = r.provider.Random(r.ctx)
	for i := 1; len(r.players) < r.cfg.FieldSize; i++ {
		name := botName(i)
		if _, ok := r.byName[name]; ok {
			continue
		}
		b := &player{
			name:     name,
			isBot:    true,
			botSpeed: 40 + r.rng.Float64()*50,
			joinedAt: time.Now(),
		}
		r.players = append(r.players, b)
		r.byName[name] = b
	}

	r.state = types.StateCountdown
	r.countdownAt = time.Now().Add(r.cfg.CountdownDelay)

	r.publish(types.ServerMsg{Lobby: &types.Lobby{Players: r.roster()}})
	r.publish(types.ServerMsg{Countdown: &types.Countdown{
		Passage:  r.passage,
		StartsIn: r.cfg.CountdownDelay.Milliseconds(),
	}})
	r.publish(types.ServerMsg{StateChange: &types.StateChange{State: types.StateCountdown}})
	r.logger.Info("countdown started", zap.Int("players", len(r.players)))
}

func (r *Room) startRace(now time.Time) {
	r.state = types.StateRacing
	r.startedAt = now
	r.publish(types.ServerMsg{Start: &types.Start{T0: now.UnixMilli()}})
	r.publish(types.ServerMsg{StateChange: &types.StateChange{State: types.StateRacing}})

	raceCtx, cancel := context.WithCancel(r.ctx)
	r.raceCancel = cancel
	for _, p := range r.players {
		if p.isBot {
			go r.runBot(raceCtx, p.name, p.botSpeed, len(r.passage))
		}
	}
	if r.metrics != nil {
		r.metrics.RacesStarted.Inc()
	}
	r.logger.Info("race started", zap.Int("passage_len", len(r.passage)))
}

func (r *Room) handleKey(subID string, ch byte) {
	sub, ok := r.subs[subID]
	if !ok {
		return
	}
	p, ok := r.bySub[subID]
	if !ok {
		r.sendError(sub, types.ErrWrongState, "join first")
		return
	}
	if r.state != types.StateRacing {
		r.sendError(sub, types.ErrWrongState, "race not running")
		return
	}
	if !p.window.allow(time.Now(), keyWindowLimit, keyWindowSpan) {
		r.reject("rate_limited")
		r.sendError(sub, types.ErrRateLimited, "too many keystrokes")
		return
	}
	if p.position >= len(r.passage) {
		return
	}
	if ch != r.passage[p.position] {
		p.errors++
		return
	}
	p.position++
	r.publish(types.ServerMsg{Progress: &types.Progress{ID: p.name, Pos: p.position}})
	if p.position == len(r.passage) {
		r.finishPlayer(p, time.Now())
	}
}

// finishPlayer records the finish time, computes the authoritative metrics
// and broadcasts Finish. Bots report their target speed; their simulated
// keystrokes are always clean.
func (r *Room) finishPlayer(p *player, now time.Time) {
	p.finishedAt = now
	var gross, net float64
	if p.isBot {
		gross, net = p.botSpeed, p.botSpeed
	} else {
		elapsed := now.Sub(r.startedAt).Seconds()
		gross = wpm.Gross(len(r.passage), elapsed)
		net = wpm.Net(len(r.passage), elapsed, p.errors)
	}
	r.publish(types.ServerMsg{Finish: &types.Finish{ID: p.name, WPM: gross, NetWPM: net}})
	r.logger.Info("player finished", zap.String("player", p.name), zap.Float64("wpm", gross))

	if r.allFinished() {
		r.finishRace()
	}
}

func (r *Room) handleBotAdvance(name string, advance int) {
	if r.state != types.StateRacing || advance <= 0 {
		return
	}
	p, ok := r.byName[name]
	if !ok || !p.isBot || p.finished() {
		return
	}
	p.position += advance
	if p.position > len(r.passage) {
		p.position = len(r.passage)
	}
	r.publish(types.ServerMsg{Progress: &types.Progress{ID: p.name, Pos: p.position}})
	if p.position == len(r.passage) {
		r.finishPlayer(p, time.Now())
	}
}

func (r *Room) allFinished() bool {
	if len(r.players) == 0 {
		return false
	}
	for _, p := range r.players {
		if !p.finished() {
			return false
		}
	}
	return true
}

func (r *Room) finishRace() {
	r.state = types.StateFinished
	r.stopBots()
	r.publish(types.ServerMsg{StateChange: &types.StateChange{State: types.StateFinished}})
	if r.metrics != nil {
		r.metrics.RacesFinished.Inc()
	}
	r.logger.Info("race finished")
}

func (r *Room) handleReset(subID string) {
	sub, ok := r.subs[subID]
	if !ok {
		return
	}
	if _, joined := r.bySub[subID]; !joined {
		r.sendError(sub, types.ErrWrongState, "join first")
		return
	}
	switch r.state {
	case types.StateWaiting:
		// Duplicate reset after returning to Waiting is a no-op.
		return
	case types.StateFinished:
		r.resetToWaiting()
	default:
		r.sendError(sub, types.ErrWrongState, "race still in progress")
	}
}

func (r *Room) resetToWaiting() {
	r.stopBots()
	r.removeBots()
	for _, p := range r.players {
		p.position = 0
		p.errors = 0
		p.finishedAt = time.Time{}
		p.window = keyWindow{}
	}
	r.passage = ""
	r.state = types.StateWaiting
	r.idleSince = time.Now()
	r.publish(types.ServerMsg{Lobby: &types.Lobby{Players: r.roster()}})
	r.publish(types.ServerMsg{StateChange: &types.StateChange{State: types.StateWaiting}})
	r.logger.Info("room reset")
}

func (r *Room) handleLeave(subID string) {
	delete(r.subs, subID)
	p, hadPlayer := r.bySub[subID]
	if !hadPlayer {
		if len(r.players) == 0 && len(r.subs) == 0 {
			r.notifyEmpty()
		}
		return
	}
	delete(r.bySub, subID)
	delete(r.byName, p.name)
	r.players = removePlayer(r.players, p)
	r.logger.Info("player left", zap.String("player", p.name))

	if r.humanCount() == 0 {
		// Bots never outlive the humans they were racing against.
		r.stopBots()
		r.removeBots()
		r.passage = ""
		r.state = types.StateWaiting
		r.idleSince = time.Now()
		if len(r.subs) > 0 {
			r.publish(types.ServerMsg{Lobby: &types.Lobby{Players: r.roster()}})
			r.publish(types.ServerMsg{StateChange: &types.StateChange{State: types.StateWaiting}})
		}
		if len(r.players) == 0 && len(r.subs) == 0 {
			r.notifyEmpty()
		}
		return
	}

	switch r.state {
	case types.StateCountdown:
		if r.humanCount() < 2 {
			r.stopBots()
			r.removeBots()
			r.passage = ""
			r.state = types.StateWaiting
			r.idleSince = time.Now()
			r.publish(types.ServerMsg{Lobby: &types.Lobby{Players: r.roster()}})
			r.publish(types.ServerMsg{StateChange: &types.StateChange{State: types.StateWaiting}})
			r.logger.Info("countdown aborted")
			return
		}
	case types.StateRacing:
		r.publish(types.ServerMsg{Lobby: &types.Lobby{Players: r.roster()}})
		if r.allFinished() {
			r.finishRace()
		}
		return
	}
	r.publish(types.ServerMsg{Lobby: &types.Lobby{Players: r.roster()}})
}

func (r *Room) stopBots() {
	if r.raceCancel != nil {
		r.raceCancel()
		r.raceCancel = nil
	}
}

func (r *Room) removeBots() {
	kept := r.players[:0]
	for _, p := range r.players {
		if p.isBot {
			delete(r.byName, p.name)
			continue
		}
		kept = append(kept, p)
	}
	r.players = kept
}

func removePlayer(players []*player, target *player) []*player {
	for i, p := range players {
		if p == target {
			return append(players[:i], players[i+1:]...)
		}
	}
	return players
}

func (r *Room) humanCount() int {
	n := 0
	for _, p := range r.players {
		if !p.isBot {
			n++
		}
	}
	return n
}

func (r *Room) roster() []string {
	names := make([]string, len(r.players))
	for i, p := range r.players {
		names[i] = p.name
	}
	return names
}

// publish fans a message out to every subscriber without ever blocking the
// loop. A subscriber whose buffer is full is evicted; its connection learns
// via Dropped and closes the socket with Error{lagging}.
func (r *Room) publish(msg types.ServerMsg) {
	for id, sub := range r.subs {
		if r.metrics != nil {
			r.metrics.BroadcastDepth.Observe(float64(len(sub.c)))
		}
		select {
		case sub.c <- msg:
		default:
			delete(r.subs, id)
			if p, ok := r.bySub[id]; ok {
				r.logger.Warn("dropping lagging subscriber", zap.String("player", p.name))
			}
			close(sub.dropped)
			if r.metrics != nil {
				r.metrics.LaggingDropped.Inc()
			}
		}
	}
}

// sendError delivers a fault to one subscriber only; faults are never
// broadcast.
func (r *Room) sendError(sub *Subscriber, code types.ErrorCode, msg string) {
	select {
	case sub.c <- types.ServerMsg{Error: &types.ErrorMsg{Code: code, Message: msg}}:
	default:
	}
}

func (r *Room) reject(reason string) {
	if r.metrics != nil {
		r.metrics.CommandReject.WithLabelValues(reason).Inc()
	}
}

func (r *Room) notifyEmpty() {
	if r.onEmpty != nil {
		r.occupants.Store(int32(len(r.players) + len(r.subs)))
		go r.onEmpty(r.Name)
	}
}
