// Package orchestration executes workflow DAGs over the executor ports,
// plus the two higher-order patterns built on them: the self-critique
// loop and the moderated discussion.
package orchestration

import "maps"

// Context is the variable namespace shared between workflow steps: a
// flat map with dot-path keys. All access goes through a single mutator
// goroutine, so concurrent steps never race on the map.
type Context struct {
	cmds chan func(map[string]any)
	quit chan struct{}
}

// NewContext starts the mutator goroutine, seeded with initial values.
func NewContext(seed map[string]any) *Context {
	c := &Context{cmds: make(chan func(map[string]any)), quit: make(chan struct{})}
	go func() {
		vars := map[string]any{}
		maps.Copy(vars, seed)
		for {
			select {
			case fn := <-c.cmds:
				fn(vars)
			case <-c.quit:
				return
			}
		}
	}()
	return c
}

// Get returns the value at path.
func (c *Context) Get(path string) (any, bool) {
	type res struct {
		v  any
		ok bool
	}
	out := make(chan res, 1)
	c.cmds <- func(vars map[string]any) {
		v, ok := vars[path]
		out <- res{v, ok}
	}
	r := <-out
	return r.v, r.ok
}

// Set writes the value at path.
func (c *Context) Set(path string, v any) {
	done := make(chan struct{})
	c.cmds <- func(vars map[string]any) {
		vars[path] = v
		close(done)
	}
	<-done
}

// Snapshot copies the current variable map.
func (c *Context) Snapshot() map[string]any {
	out := make(chan map[string]any, 1)
	c.cmds <- func(vars map[string]any) {
		cp := make(map[string]any, len(vars))
		maps.Copy(cp, vars)
		out <- cp
	}
	return <-out
}

// Close stops the mutator goroutine. The Context must not be used after.
func (c *Context) Close() { close(c.quit) }
