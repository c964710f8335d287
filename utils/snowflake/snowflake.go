// Package snowflake generates time-ordered int64 IDs.
//
// Layout (most significant first): 41 bits of milliseconds since Epoch,
// NodeBits of node id, SequenceBits of per-millisecond sequence.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

// Epoch is the custom epoch (January 1, 2024 00:00:00 UTC)
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	DefaultNodeBits     uint8 = 10
	DefaultSequenceBits uint8 = 12

	// maxBackwardDrift is how far the clock may step back before NextID fails
	// instead of waiting it out.
	maxBackwardDrift = 5 * time.Millisecond
)

var (
	ErrInvalidNodeID        = errors.New("snowflake: node id out of range")
	ErrInvalidBitAllocation = errors.New("snowflake: node and sequence bits must not exceed 22")
	ErrClockMovedBackwards  = errors.New("snowflake: clock moved backwards")
)

type Config struct {
	NodeID       int64
	NodeBits     uint8
	SequenceBits uint8
	Epoch        time.Time
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Generator is safe for concurrent use.
type Generator struct {
	mu sync.Mutex

	epoch  int64
	nodeID int64
	clock  func() time.Time

	nodeShift    uint8
	timeShift    uint8
	sequenceMask int64
	nodeMask     int64

	sequence int64
	lastMs   int64
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.NodeBits == 0 {
		cfg.NodeBits = DefaultNodeBits
	}
	if cfg.SequenceBits == 0 {
		cfg.SequenceBits = DefaultSequenceBits
	}
	if cfg.NodeBits+cfg.SequenceBits > 22 {
		return nil, ErrInvalidBitAllocation
	}
	if cfg.Epoch.IsZero() {
		cfg.Epoch = Epoch
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	g := &Generator{
		epoch:        cfg.Epoch.UnixMilli(),
		nodeID:       cfg.NodeID,
		clock:        cfg.Clock,
		nodeShift:    cfg.SequenceBits,
		timeShift:    cfg.SequenceBits + cfg.NodeBits,
		sequenceMask: -1 ^ (-1 << cfg.SequenceBits),
		nodeMask:     -1 ^ (-1 << cfg.NodeBits),
	}
	if g.nodeID < 0 || g.nodeID > g.nodeMask {
		return nil, ErrInvalidNodeID
	}
	return g, nil
}

// NextID returns an ID strictly greater than every ID previously returned
// by g.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.lastMs {
		if time.Duration(g.lastMs-now)*time.Millisecond > maxBackwardDrift {
			return 0, ErrClockMovedBackwards
		}
		now = g.waitUntil(g.lastMs)
	}

	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & g.sequenceMask
		if g.sequence == 0 {
			now = g.waitUntil(g.lastMs + 1)
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return (now-g.epoch)<<g.timeShift | g.nodeID<<g.nodeShift | g.sequence, nil
}

func (g *Generator) now() int64 {
	return g.clock().UnixMilli()
}

func (g *Generator) waitUntil(ms int64) int64 {
	now := g.now()
	for now < ms {
		time.Sleep(100 * time.Microsecond)
		now = g.now()
	}
	return now
}

// Time returns the creation time encoded in id.
func (g *Generator) Time(id int64) time.Time {
	return time.UnixMilli((id >> g.timeShift) + g.epoch).UTC()
}

// Node returns the node id encoded in id.
func (g *Generator) Node(id int64) int64 {
	return (id >> g.nodeShift) & g.nodeMask
}

// Sequence returns the per-millisecond sequence encoded in id.
func (g *Generator) Sequence(id int64) int64 {
	return id & g.sequenceMask
}
