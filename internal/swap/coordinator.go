package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Cyrix126/bch-xmr-swap/internal/codec"
	"github.com/Cyrix126/bch-xmr-swap/internal/journal"
	"github.com/Cyrix126/bch-xmr-swap/internal/storage"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// Coordinator errors
var (
	ErrTradeNotFound = errors.New("trade not found")
	ErrTradeExists   = errors.New("trade already exists")
)

// Machine is the role-agnostic face of a trade's state machine.
type Machine interface {
	HandleEnvelope(ctx context.Context, phase codec.Phase, body interface{}) error
	Tick(ctx context.Context) error
	Cancel() error
	Snapshot() ([]byte, error)
	Trade() *Trade
}

// Trade returns Alice's trade core.
func (a *Alice) Trade() *Trade { return a.T }

// Trade returns Bob's trade core.
func (b *Bob) Trade() *Trade { return b.T }

// activeTrade serializes access to one machine: the reactor tick and
// the message dispatch never run concurrently for the same trade.
type activeTrade struct {
	mu      sync.Mutex
	machine Machine
	journal *journal.Journal
	cancel  context.CancelFunc
}

// Coordinator owns the set of live trades. Each trade runs as its own
// cooperative task: one goroutine, suspending at message, oracle,
// journal and timer boundaries. Cross-trade state is read-only.
type Coordinator struct {
	mu sync.RWMutex

	env         *Env
	store       *storage.Storage
	journalRoot string
	send        SendFunc

	trades map[string]*activeTrade

	pollInterval time.Duration
	log          *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Env         *Env
	Store       *storage.Storage
	JournalRoot string
	Send        SendFunc
	PollInterval time.Duration
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg *CoordinatorConfig) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	interval := cfg.PollInterval
	if interval == 0 {
		interval = time.Duration(cfg.Env.Cfg.Oracle.PollIntervalSec) * time.Second
	}
	if interval == 0 {
		interval = 15 * time.Second
	}

	return &Coordinator{
		env:          cfg.Env,
		store:        cfg.Store,
		journalRoot:  cfg.JournalRoot,
		send:         cfg.Send,
		trades:       make(map[string]*activeTrade),
		pollInterval: interval,
		log:          cfg.Env.Log.Component("coordinator"),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// snapshotSide maps roles onto the snapshot filename suffix: the
// initiating client is Alice, the responding server is Bob.
func snapshotSide(role Role) string {
	if role == RoleAlice {
		return "client"
	}
	return "server"
}

// persistFunc builds the journal-then-derive persistence pipeline for
// one trade. The journal append is durable before this returns; the
// snapshot and index row are derived views updated afterwards.
func (c *Coordinator) persistFunc(j *journal.Journal, getMachine func() Machine) PersistFunc {
	return func(st State, ev journal.Evidence) error {
		if _, err := j.Append(string(st), ev); err != nil {
			return err
		}

		m := getMachine()
		if m == nil {
			return nil
		}
		t := m.Trade()

		if snapData, err := m.Snapshot(); err == nil {
			// The machine updates its State only after persist returns,
			// so patch the snapshot to the state just journaled.
			if parsed, perr := ParseSnapshot(snapData); perr == nil {
				parsed.State = string(st)
				if fixed, merr := json.MarshalIndent(parsed, "", "  "); merr == nil {
					snapData = fixed
				}
			}
			j.WriteSnapshot(snapshotSide(t.Role), snapData)
		}

		row := &storage.TradeRow{
			ID:           t.ID,
			Role:         string(t.Role),
			State:        string(st),
			BchAmount:    t.BchAmount,
			XmrAmount:    t.XmrAmount,
			SwaplockTxID: t.SwaplockTxID,
			ClaimTxID:    t.ClaimTxID,
			RefundTxID:   t.RefundTxID,
		}
		if t.Contract != nil {
			row.SwaplockAddress = t.Contract.SwaplockAddress
		}
		if t.Shared != nil {
			row.XmrAddress = t.Shared.Address
		}
		if err := c.store.UpsertTrade(row); err != nil {
			c.log.Error("Failed to update trade index", "trade_id", t.ID, "err", err)
		}
		return nil
	}
}

// NewAliceTrade creates and starts an initiator trade. Returns the new
// trade id, which the caller communicates to the counterparty.
func (c *Coordinator) NewAliceTrade(ctx context.Context, bchAmount, xmrAmount uint64, xmrDest string) (string, error) {
	id := uuid.NewString()
	j, err := journal.Open(c.journalRoot, id)
	if err != nil {
		return "", err
	}

	var machine Machine
	persist := c.persistFunc(j, func() Machine { return machine })

	alice, err := NewAlice(c.env, persist, c.send, id, bchAmount, xmrAmount, xmrDest)
	if err != nil {
		j.Close()
		return "", err
	}
	machine = alice

	at, err := c.register(id, machine, j)
	if err != nil {
		j.Close()
		return "", err
	}

	at.mu.Lock()
	err = alice.Start(ctx)
	at.mu.Unlock()
	if err != nil {
		c.remove(id)
		j.Close()
		return "", err
	}
	return id, nil
}

// NewBobTrade creates and starts a responder trade for a known trade id
// and agreed amounts.
func (c *Coordinator) NewBobTrade(ctx context.Context, id string, wantBch, wantXmr uint64, spendWalletName, xmrDest string) error {
	j, err := journal.Open(c.journalRoot, id)
	if err != nil {
		return err
	}

	var machine Machine
	persist := c.persistFunc(j, func() Machine { return machine })

	bob, err := NewBob(c.env, persist, c.send, id, wantBch, wantXmr, spendWalletName, xmrDest)
	if err != nil {
		j.Close()
		return err
	}
	machine = bob

	at, err := c.register(id, machine, j)
	if err != nil {
		j.Close()
		return err
	}

	at.mu.Lock()
	err = bob.Start(ctx)
	at.mu.Unlock()
	if err != nil {
		c.remove(id)
		j.Close()
		return err
	}
	return nil
}

// Resume reopens every ongoing trade from its journal and snapshot.
// Corrupted journals stay quarantined; snapshot/journal divergence
// refuses the trade rather than guessing.
func (c *Coordinator) Resume(ctx context.Context) ([]string, error) {
	ids, err := journal.ListOngoing(c.journalRoot)
	if err != nil {
		return nil, err
	}

	var resumed []string
	for _, id := range ids {
		if err := c.resumeOne(ctx, id); err != nil {
			c.log.Error("Failed to resume trade", "trade_id", id, "err", err)
			continue
		}
		resumed = append(resumed, id)
	}
	return resumed, nil
}

func (c *Coordinator) resumeOne(ctx context.Context, id string) error {
	j, err := journal.Open(c.journalRoot, id)
	if err != nil {
		return err
	}

	state := State(j.LastState())
	if state == "" || state.Terminal() {
		j.Close()
		return fmt.Errorf("nothing to resume for %s (state %q)", id, state)
	}

	snap, err := c.readSnapshot(id)
	if err != nil {
		j.Close()
		return err
	}

	var machine Machine
	persist := c.persistFunc(j, func() Machine { return machine })

	switch Role(snap.Role) {
	case RoleAlice:
		machine, err = RestoreAlice(c.env, persist, c.send, snap, state)
	case RoleBob:
		machine, err = RestoreBob(c.env, persist, c.send, snap, state)
	default:
		err = fmt.Errorf("unknown role %q", snap.Role)
	}
	if err != nil {
		j.Close()
		return err
	}

	if _, err := c.register(id, machine, j); err != nil {
		j.Close()
		return err
	}
	c.log.Info("Resumed trade", "trade_id", id, "state", state)
	return nil
}

func (c *Coordinator) readSnapshot(id string) (*Snapshot, error) {
	for _, side := range []string{"client", "server"} {
		path := filepath.Join(c.journalRoot, "trades", "ongoing", fmt.Sprintf("%s-%s.json", id, side))
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return ParseSnapshot(data)
	}
	return nil, fmt.Errorf("no snapshot for trade %s", id)
}

func (c *Coordinator) register(id string, m Machine, j *journal.Journal) (*activeTrade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.trades[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTradeExists, id)
	}

	tradeCtx, cancel := context.WithCancel(c.ctx)
	at := &activeTrade{machine: m, journal: j, cancel: cancel}
	c.trades[id] = at

	c.wg.Add(1)
	go c.runTrade(tradeCtx, id, at)
	return at, nil
}

func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at, ok := c.trades[id]; ok {
		at.cancel()
		delete(c.trades, id)
	}
}

// runTrade is the per-trade cooperative loop. Backoff under the paused
// overlay grows exponentially and caps at sixty seconds.
func (c *Coordinator) runTrade(ctx context.Context, id string, at *activeTrade) {
	defer c.wg.Done()

	interval := c.pollInterval
	const backoffCap = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			at.journal.Close()
			return
		case <-time.After(interval):
		}

		c.mu.RLock()
		_, alive := c.trades[id]
		c.mu.RUnlock()
		if !alive {
			at.journal.Close()
			return
		}

		at.mu.Lock()
		if err := at.machine.Tick(ctx); err != nil {
			c.log.Error("Trade tick failed", "trade_id", id, "err", err)
		}
		at.mu.Unlock()

		t := at.machine.Trade()
		if t.Paused {
			if interval < backoffCap {
				interval *= 2
				if interval > backoffCap {
					interval = backoffCap
				}
			}
		} else {
			interval = c.pollInterval
		}

		if t.State.Terminal() {
			c.finish(id, at)
			return
		}
	}
}

// finish archives a terminal trade.
func (c *Coordinator) finish(id string, at *activeTrade) {
	t := at.machine.Trade()
	c.log.Info("Trade terminal", "trade_id", id, "state", t.State)
	if err := at.journal.Archive(); err != nil && !errors.Is(err, journal.ErrArchived) {
		c.log.Error("Failed to archive journal", "trade_id", id, "err", err)
	}
	c.remove(id)
}

// HandleMessage dispatches a transport envelope to its trade. Codec
// failures and out-of-phase messages are protocol violations; before
// anything is committed a violation aborts the trade, after commitment
// the machine keeps running toward its timelock escape.
func (c *Coordinator) HandleMessage(ctx context.Context, data []byte) error {
	env, body, err := codec.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	c.mu.RLock()
	at, ok := c.trades[env.TradeID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, env.TradeID)
	}

	at.mu.Lock()
	err = at.machine.HandleEnvelope(ctx, env.Phase, body)
	at.mu.Unlock()
	if err != nil && errors.Is(err, ErrProtocolViolation) {
		t := at.machine.Trade()
		c.log.Warn("Protocol violation", "trade_id", t.ID, "err", err)
		if !t.State.Committed() && !t.State.Terminal() {
			if perr := c.abort(at, err); perr != nil {
				c.log.Error("Failed to abort trade", "trade_id", t.ID, "err", perr)
			}
			c.finish(t.ID, at)
		}
		return err
	}
	if err == nil {
		// A message may complete the trade (e.g. Bob's claim already
		// confirmed); a terminal trade is finished right away.
		if t := at.machine.Trade(); t.State.Terminal() {
			c.finish(t.ID, at)
		}
	}
	return err
}

func (c *Coordinator) abort(at *activeTrade, cause error) error {
	_, err := at.journal.Append(string(StateAborted), journal.Evidence{Note: cause.Error()})
	if err != nil {
		return err
	}
	at.machine.Trade().State = StateAborted
	return nil
}

// Cancel aborts a trade if it is still in a cancellable state.
func (c *Coordinator) Cancel(id string) error {
	c.mu.RLock()
	at, ok := c.trades[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}

	at.mu.Lock()
	err := at.machine.Cancel()
	at.mu.Unlock()
	if err != nil {
		return err
	}
	c.finish(id, at)
	return nil
}

// Trades lists the live trade ids.
func (c *Coordinator) Trades() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.trades))
	for id := range c.trades {
		ids = append(ids, id)
	}
	return ids
}

// Stop shuts every trade loop down, leaving journals intact for the
// next start.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}
