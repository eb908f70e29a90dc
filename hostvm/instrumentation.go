package hostvm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zoobzio/ctorz"
	"github.com/zoobzio/ctorz/typefile"
)

// Transformer rewrites the raw form of a type during a load event. Returning
// nil keeps the form unchanged.
type Transformer func(typeName string, raw []byte) []byte

type transformerEntry struct {
	id int
	fn Transformer
}

type transformerChain struct {
	mu      sync.RWMutex
	entries []transformerEntry
	nextID  int
}

func (c *transformerChain) add(fn Transformer) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.entries = append(c.entries, transformerEntry{id: c.nextID, fn: fn})
	return c.nextID
}

func (c *transformerChain) remove(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.id == id {
			c.entries = append(c.entries[:i:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (c *transformerChain) snapshot() []transformerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]transformerEntry(nil), c.entries...)
}

// Instrumentation is the capability to transform types as they load. The
// runtime grants it at most once.
type Instrumentation struct {
	rt *Runtime

	mu          sync.Mutex
	transformer int
}

var _ ctorz.Capability = (*Instrumentation)(nil)

// Errors returned by Instrumentation.
var (
	ErrTransformerInstalled = errors.New("transformer already installed")
	ErrNoTransformer        = errors.New("no transformer installed")
)

// InstallTransformer adds fn to the load pipeline.
func (in *Instrumentation) InstallTransformer(fn func(typeName string, raw []byte) []byte) error {
	if fn == nil {
		return fmt.Errorf("%w: nil transformer", ErrLinkage)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.transformer != 0 {
		return ErrTransformerInstalled
	}
	in.transformer = in.rt.transformers.add(fn)
	return nil
}

// RemoveTransformer takes the transformer out of the load pipeline. Loaded
// types keep their definition.
func (in *Instrumentation) RemoveTransformer() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.transformer == 0 {
		return ErrNoTransformer
	}
	in.rt.transformers.remove(in.transformer)
	in.transformer = 0
	return nil
}

// InstallBridge binds the typefile bridge methods to b. Both natives take
// (instance, snapshot, ordinal).
func (in *Instrumentation) InstallBridge(b ctorz.Bridge) error {
	if b == nil {
		return fmt.Errorf("%w: nil bridge", ErrLinkage)
	}
	in.rt.RegisterNative(typefile.BridgeOwner, typefile.BridgeBefore, 3, func(args []Value) (Value, error) {
		snap, ord, err := bridgeArgs(args)
		if err != nil {
			return nil, err
		}
		b.Before(snap, ord, args[0])
		return nil, nil
	})
	in.rt.RegisterNative(typefile.BridgeOwner, typefile.BridgeAfter, 3, func(args []Value) (Value, error) {
		snap, ord, err := bridgeArgs(args)
		if err != nil {
			return nil, err
		}
		b.After(snap, ord, args[0])
		return nil, nil
	})
	return nil
}

func bridgeArgs(args []Value) (uint32, int, error) {
	snap, ok1 := args[1].(int64)
	ord, ok2 := args[2].(int64)
	if !ok1 || !ok2 || snap < 0 || snap > 0xFFFFFFFF || ord < 0 {
		return 0, 0, fmt.Errorf("%w: bad bridge arguments %v", ErrFault, args[1:])
	}
	return uint32(snap), int(ord), nil
}
