package device

import (
	"slices"
	"sync"
)

// Characteristic is one declared property of a Service. Read completions and
// notifications are ordered by a per-characteristic sequence: a read takes its
// number when requested, a notification when it arrives, and a result older
// than the last applied one is discarded.
type Characteristic struct {
	spec CharacteristicSpec

	mu         sync.RWMutex
	value      Value
	discovered bool
	nextSeq    uint64
	appliedSeq uint64
	pending    []uint64
}

func newCharacteristic(spec CharacteristicSpec) *Characteristic {
	spec.UUID = NormalizeUUID(spec.UUID)
	return &Characteristic{
		spec:  spec,
		value: UnreadValue(spec.Kind),
	}
}

func (c *Characteristic) UUID() string { return c.spec.UUID }

func (c *Characteristic) Name() string {
	if c.spec.Name != "" {
		return c.spec.Name
	}
	return FormatUUID(c.spec.UUID)
}

func (c *Characteristic) Spec() CharacteristicSpec { return c.spec }

func (c *Characteristic) Value() Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Discovered reports whether the transport found this characteristic on the peripheral.
func (c *Characteristic) Discovered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discovered
}

func (c *Characteristic) markDiscovered() {
	c.mu.Lock()
	c.discovered = true
	c.mu.Unlock()
}

// reserveRead assigns the sequence number for a read being requested now.
func (c *Characteristic) reserveRead() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	c.pending = append(c.pending, c.nextSeq)
	return c.nextSeq
}

// cancelReadSeq releases the reservation seq after its read request failed.
func (c *Characteristic) cancelReadSeq(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.pending, seq); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
}

// cancelRead releases the oldest reservation after a read completed with an error.
func (c *Characteristic) cancelRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		c.pending = c.pending[1:]
	}
}

// update applies a read completion (oldest reservation) or a notification (fresh
// sequence). applied is false when the result is stale; the decode error, if
// any, leaves the stored value untouched.
func (c *Characteristic) update(data []byte, notification bool) (v Value, applied bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var seq uint64
	if !notification && len(c.pending) > 0 {
		seq = c.pending[0]
		c.pending = c.pending[1:]
	} else {
		c.nextSeq++
		seq = c.nextSeq
	}

	if seq <= c.appliedSeq {
		return c.value, false, nil
	}

	decoded, err := DecodeValue(c.spec.Kind, data)
	if err != nil {
		return c.value, false, err
	}
	c.value = decoded
	c.appliedSeq = seq
	return c.value, true, nil
}
