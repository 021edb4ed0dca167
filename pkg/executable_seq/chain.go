package executable_seq

import (
	"context"
	"errors"
	"fmt"

	"github.com/pmkol/packetcache/pkg/query_context"
)

// Executable is a stage of the query pipeline. It may answer the query by
// setting a response on qCtx and returning, or hand it to the rest of the
// chain with ExecChainNode(ctx, qCtx, next).
type Executable interface {
	Exec(ctx context.Context, qCtx *query_context.Context, next ExecutableChainNode) error
}

type LinkedListNode interface {
	Next() ExecutableChainNode
	LinkNext(n ExecutableChainNode)
}

type ExecutableChainNode interface {
	Executable
	LinkedListNode
}

// ExecutableNodeWrapper wraps an Executable into an ExecutableChainNode.
type ExecutableNodeWrapper struct {
	Executable
	next ExecutableChainNode
}

func (w *ExecutableNodeWrapper) Next() ExecutableChainNode {
	return w.next
}

func (w *ExecutableNodeWrapper) LinkNext(n ExecutableChainNode) {
	w.next = n
}

// WrapExecutable wraps e into an ExecutableChainNode. If e is already a
// ExecutableChainNode it is returned as is.
func WrapExecutable(e Executable) ExecutableChainNode {
	if n, ok := e.(ExecutableChainNode); ok {
		return n
	}
	return &ExecutableNodeWrapper{Executable: e}
}

// ExecChainNode runs n with its successor. A nil n is a no-op.
func ExecChainNode(ctx context.Context, qCtx *query_context.Context, n ExecutableChainNode) error {
	if n == nil {
		return nil
	}
	return n.Exec(ctx, qCtx, n.Next())
}

// LastNode returns the last node of the chain starting at n.
func LastNode(n ExecutableChainNode) ExecutableChainNode {
	for {
		next := n.Next()
		if next == nil {
			return n
		}
		n = next
	}
}

var errEmptyChain = errors.New("empty executable chain")

// BuildExecutableChain links the executables named by tags, in order.
func BuildExecutableChain(tags []string, execs map[string]Executable) (ExecutableChainNode, error) {
	if len(tags) == 0 {
		return nil, errEmptyChain
	}

	var root, prev ExecutableChainNode
	for _, tag := range tags {
		e, ok := execs[tag]
		if !ok {
			return nil, fmt.Errorf("cannot find executable %s", tag)
		}
		n := &ExecutableNodeWrapper{Executable: e}
		if prev == nil {
			root = n
		} else {
			prev.LinkNext(n)
		}
		prev = n
	}
	return root, nil
}
